package geo

import (
	"math"

	"buseta/internal/domain"
)

const earthRadiusMeters = 6371000.0

// minSegmentMeters is the length below which a segment is treated as a point
const minSegmentMeters = 1.0

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }
func toDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// Distance returns the great-circle distance between a and b in meters
// using the haversine formula.
func Distance(a, b domain.Point) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Bearing returns the initial bearing from a to b in degrees, in [0, 360).
func Bearing(a, b domain.Point) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLon := toRad(b.Lon - a.Lon)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	deg := math.Mod(toDeg(math.Atan2(y, x))+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// PointNearSegment reports whether p lies within thresholdM meters of the
// segment start-end.
//
// The perpendicular distance is the height of the triangle (p, start, end)
// over the segment side, with the area taken from Heron's formula on
// great-circle side lengths. This is a planar approximation and only holds
// for short segments. A point beyond either end is rejected when the sum of
// its distances to the endpoints exceeds the segment length by more than
// 2*thresholdM.
func PointNearSegment(p, start, end domain.Point, thresholdM float64) bool {
	segLen := Distance(start, end)
	dStart := Distance(p, start)
	dEnd := Distance(p, end)

	if segLen < minSegmentMeters {
		return math.Min(dStart, dEnd) <= thresholdM
	}

	s := (segLen + dStart + dEnd) / 2
	areaSq := s * (s - segLen) * (s - dStart) * (s - dEnd)
	if areaSq < 0 {
		// collinear points can go slightly negative through rounding
		areaSq = 0
	}
	height := 2 * math.Sqrt(areaSq) / segLen

	if height > thresholdM {
		return false
	}
	return dStart+dEnd <= segLen+2*thresholdM
}

// HeadingDelta returns the smallest absolute difference between two
// headings in degrees, in [0, 180].
func HeadingDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
