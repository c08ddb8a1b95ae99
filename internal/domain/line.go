package domain

// Point is a WGS84 coordinate
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Line is a bus line owned by the lines subsystem
type Line struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Stop is a physical stop
type Stop struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location Point  `json:"location"`
}

// LineStop places a stop on a line's route. Order is ascending along the
// route; DistanceFromStart is the cumulative route distance in meters.
type LineStop struct {
	LineID            string  `json:"lineId"`
	Stop              Stop    `json:"stop"`
	Order             int     `json:"order"`
	DistanceFromStart float64 `json:"distanceFromStart"`
}
