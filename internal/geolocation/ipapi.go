package geolocation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// IPAPI approximates the caller's position from its public IP using an
// ip-api.com compatible endpoint (GET {base}/{ip}?fields=status,message,lat,lon).
type IPAPI struct {
	baseURL string
	client  *http.Client
}

// NewIPAPI creates an IPAPI locator. timeout bounds each lookup.
func NewIPAPI(baseURL string, timeout time.Duration) *IPAPI {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &IPAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// CurrentPosition looks up ClientIP(ctx), or the server's own address when unset.
// Every failure is reported as ErrDenied.
func (l *IPAPI) CurrentPosition(ctx context.Context) (models.Coordinates, error) {
	u := l.baseURL
	if ip := ClientIP(ctx); ip != "" {
		u += "/" + url.PathEscape(ip)
	}
	u += "?fields=status,message,lat,lon"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Coordinates{}, fmt.Errorf("%w: HTTP %d", ErrDenied, resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: decode: %v", ErrDenied, err)
	}
	if body.Status != "success" {
		return models.Coordinates{}, fmt.Errorf("%w: %s", ErrDenied, body.Message)
	}
	return models.Coordinates{Lat: body.Lat, Lon: body.Lon}, nil
}
