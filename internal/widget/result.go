// Package widget holds the per-session form state: the city and country
// fields, the single result slot and the generation guard around fetches.
package widget

import "github.com/kjstillabower/weather-lookup-service/internal/models"

// User-facing messages.
const (
	MsgFetchFailed         = "Error fetching weather data. Please try again later."
	MsgLocationDenied      = "Error retrieving current location. Please enter a city and country."
	MsgLocationUnsupported = "Geolocation is turned off or is not supported by your browser. Please enter a city and country."
)

// Status tags a Result.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Result is the one display slot shared by the form and location paths.
// Reading and Source are set only when Status is StatusReady; Message only
// when Status is StatusFailed.
type Result struct {
	Status  Status
	Reading models.Reading
	Source  models.Source
	Message string
}

func Idle() Result    { return Result{Status: StatusIdle} }
func Loading() Result { return Result{Status: StatusLoading} }

func Ready(reading models.Reading, source models.Source) Result {
	return Result{Status: StatusReady, Reading: reading, Source: source}
}

func Failed(message string) Result {
	return Result{Status: StatusFailed, Message: message}
}

// State is a snapshot of a session, safe to render or encode.
type State struct {
	SessionID  string          `json:"sessionId"`
	City       string          `json:"city"`
	Country    string          `json:"country"`
	CanSubmit  bool            `json:"canSubmit"`
	Status     string          `json:"status"`
	Source     models.Source   `json:"source,omitempty"`
	Reading    *models.Reading `json:"reading,omitempty"`
	Error      string          `json:"error,omitempty"`
	Notice     string          `json:"notice,omitempty"`
	Generation uint64          `json:"generation"`
}
