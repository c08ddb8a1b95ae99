package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"buseta/internal/domain"
	"buseta/internal/geo"
)

// Route is one line with its ordered stops.
type Route struct {
	Line  domain.Line
	Stops []domain.LineStop
}

// Feed is the route topology extracted from a static GTFS archive.
type Feed struct {
	Routes []Route
	Stops  map[string]domain.Stop
}

type tripInfo struct {
	routeID string
	stops   []tripStop
}

type tripStop struct {
	seq    int
	stopID string
}

// Parser turns a GTFS archive into line routes. Each route's stop sequence
// comes from its longest trip in the selected direction.
type Parser struct {
	direction string
	logger    *slog.Logger
}

// NewParser keeps trips whose direction_id equals direction, or every trip
// when direction is empty. Trips without a direction_id are always kept.
func NewParser(direction string, logger *slog.Logger) *Parser {
	return &Parser{
		direction: direction,
		logger:    logger.With("component", "gtfs_parser"),
	}
}

func (p *Parser) Parse(reader *zip.Reader) (*Feed, error) {
	start := time.Now()

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}
	for _, name := range []string{"routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if _, ok := fileMap[name]; !ok {
			return nil, fmt.Errorf("archive is missing %s", name)
		}
	}

	names := make(map[string]string)
	if err := eachRecord(fileMap["routes.txt"], func(rec record) {
		name := rec.get("route_short_name")
		if name == "" {
			name = rec.get("route_long_name")
		}
		names[rec.get("route_id")] = name
	}); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}

	stops := make(map[string]domain.Stop)
	if err := eachRecord(fileMap["stops.txt"], func(rec record) {
		lat, _ := strconv.ParseFloat(rec.get("stop_lat"), 64)
		lon, _ := strconv.ParseFloat(rec.get("stop_lon"), 64)
		id := rec.get("stop_id")
		stops[id] = domain.Stop{
			ID:       id,
			Name:     rec.get("stop_name"),
			Location: domain.Point{Lat: lat, Lon: lon},
		}
	}); err != nil {
		return nil, fmt.Errorf("parse stops: %w", err)
	}

	trips := make(map[string]*tripInfo)
	if err := eachRecord(fileMap["trips.txt"], func(rec record) {
		routeID := rec.get("route_id")
		if _, ok := names[routeID]; !ok {
			return
		}
		if dir := rec.get("direction_id"); p.direction != "" && dir != "" && dir != p.direction {
			return
		}
		trips[rec.get("trip_id")] = &tripInfo{routeID: routeID}
	}); err != nil {
		return nil, fmt.Errorf("parse trips: %w", err)
	}

	if err := eachRecord(fileMap["stop_times.txt"], func(rec record) {
		trip, ok := trips[rec.get("trip_id")]
		if !ok {
			return
		}
		seq, _ := strconv.Atoi(rec.get("stop_sequence"))
		trip.stops = append(trip.stops, tripStop{seq: seq, stopID: rec.get("stop_id")})
	}); err != nil {
		return nil, fmt.Errorf("parse stop_times: %w", err)
	}

	feed := &Feed{Stops: stops}
	for routeID, tripID := range longestTrips(trips) {
		route, ok := p.buildRoute(routeID, names[routeID], trips[tripID], stops)
		if !ok {
			p.logger.Debug("skipping route with fewer than two known stops", "route_id", routeID, "trip_id", tripID)
			continue
		}
		feed.Routes = append(feed.Routes, route)
	}
	sort.Slice(feed.Routes, func(i, j int) bool {
		return feed.Routes[i].Line.ID < feed.Routes[j].Line.ID
	})

	p.logger.Info("GTFS parsing completed",
		"routes", len(feed.Routes),
		"stops", len(feed.Stops),
		"trips", len(trips),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return feed, nil
}

// longestTrips picks, per route, the trip with the most stops. Ties go to
// the lowest trip id so the choice is stable across runs.
func longestTrips(trips map[string]*tripInfo) map[string]string {
	best := make(map[string]string)
	for id, t := range trips {
		cur, ok := best[t.routeID]
		if !ok {
			best[t.routeID] = id
			continue
		}
		n, m := len(t.stops), len(trips[cur].stops)
		if n > m || (n == m && id < cur) {
			best[t.routeID] = id
		}
	}
	return best
}

func (p *Parser) buildRoute(routeID, name string, trip *tripInfo, stops map[string]domain.Stop) (Route, bool) {
	seq := append([]tripStop(nil), trip.stops...)
	sort.Slice(seq, func(i, j int) bool { return seq[i].seq < seq[j].seq })

	route := Route{Line: domain.Line{ID: routeID, Name: name}}
	var cumulative float64
	for _, ts := range seq {
		stop, ok := stops[ts.stopID]
		if !ok {
			continue
		}
		if n := len(route.Stops); n > 0 {
			cumulative += geo.Distance(route.Stops[n-1].Stop.Location, stop.Location)
		}
		route.Stops = append(route.Stops, domain.LineStop{
			LineID:            routeID,
			Stop:              stop,
			Order:             len(route.Stops),
			DistanceFromStart: cumulative,
		})
	}
	return route, len(route.Stops) >= 2
}

type record struct {
	fields []string
	idx    map[string]int
}

func (r record) get(field string) string {
	if i, ok := r.idx[field]; ok && i < len(r.fields) {
		return r.fields[i]
	}
	return ""
}

func eachRecord(file *zip.File, fn func(record)) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return err
	}
	idx := makeIndex(header)

	for {
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(record{fields: fields, idx: idx})
	}
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		// some feeds start with a UTF-8 BOM
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		idx[name] = i
	}
	return idx
}
