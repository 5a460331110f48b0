package models

// Coordinates is a geographic position in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Source tells which path produced a reading.
type Source string

const (
	SourceForm     Source = "form"
	SourceLocation Source = "location"
)

// Reading is a current-weather snapshot as returned by the upstream API.
// The JSON shape is the subset of the OpenWeather response the widget renders,
// so a cached payload round-trips without transformation.
type Reading struct {
	Name    string      `json:"name"`
	Sys     Sys         `json:"sys"`
	Weather []Condition `json:"weather"`
	Main    Main        `json:"main"`
	Wind    Wind        `json:"wind"`
}

type Sys struct {
	Country string `json:"country"`
}

// Condition is one entry of the upstream weather array.
type Condition struct {
	Main string `json:"main"`
}

type Main struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	Humidity  int     `json:"humidity"`
}

type Wind struct {
	Speed float64 `json:"speed"`
}

// Label returns the short condition label (weather[0].main), or "" when absent.
func (r Reading) Label() string {
	if len(r.Weather) == 0 {
		return ""
	}
	return r.Weather[0].Main
}
