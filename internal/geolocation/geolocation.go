// Package geolocation resolves the caller's current position for the
// "use current location" fallback.
package geolocation

import (
	"context"
	"errors"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

var (
	// ErrDenied covers every failure to obtain a position once a locator is
	// available: permission refused, position unavailable, or timeout.
	ErrDenied = errors.New("geolocation denied")
	// ErrUnsupported means no locator is available at all.
	ErrUnsupported = errors.New("geolocation unsupported")
)

// Locator returns the current device position.
type Locator interface {
	CurrentPosition(ctx context.Context) (models.Coordinates, error)
}

// Static always reports the configured coordinates.
type Static struct {
	Coords models.Coordinates
}

func (s Static) CurrentPosition(ctx context.Context) (models.Coordinates, error) {
	return s.Coords, nil
}

// Unsupported is used when geolocation is turned off.
type Unsupported struct{}

func (Unsupported) CurrentPosition(ctx context.Context) (models.Coordinates, error) {
	return models.Coordinates{}, ErrUnsupported
}

// Denied reports a refusal signalled by the page.
type Denied struct{}

func (Denied) CurrentPosition(ctx context.Context) (models.Coordinates, error) {
	return models.Coordinates{}, ErrDenied
}

type clientIPKey struct{}

// WithClientIP attaches the caller's address for IP-based locators.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the address set by WithClientIP, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
