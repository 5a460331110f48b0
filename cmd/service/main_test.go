package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/config"
	"github.com/kjstillabower/weather-lookup-service/internal/geolocation"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

func TestNewLocator(t *testing.T) {
	tests := []struct {
		provider string
		check    func(t *testing.T, l geolocation.Locator)
	}{
		{config.GeoBrowser, func(t *testing.T, l geolocation.Locator) {
			if l != nil {
				t.Errorf("browser provider locator = %T, want nil", l)
			}
		}},
		{config.GeoStatic, func(t *testing.T, l geolocation.Locator) {
			c, err := l.CurrentPosition(context.Background())
			if err != nil || c != (models.Coordinates{Lat: 59.9, Lon: 10.7}) {
				t.Errorf("static position = %v, %v", c, err)
			}
		}},
		{config.GeoIPAPI, func(t *testing.T, l geolocation.Locator) {
			if _, ok := l.(*geolocation.IPAPI); !ok {
				t.Errorf("ipapi provider locator = %T", l)
			}
		}},
		{config.GeoNone, func(t *testing.T, l geolocation.Locator) {
			if _, err := l.CurrentPosition(context.Background()); err != geolocation.ErrUnsupported {
				t.Errorf("none provider error = %v, want ErrUnsupported", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := &config.Config{GeolocationProvider: tt.provider, GeolocationLat: 59.9, GeolocationLon: 10.7, IPAPIURL: "http://ip-api.test/json"}
			tt.check(t, newLocator(cfg))
		})
	}
}

func TestParseLocations(t *testing.T) {
	locs, err := parseLocations([]string{"London,GB", "Washington, D.C.,US"})
	if err != nil {
		t.Fatalf("parseLocations() error = %v", err)
	}
	if len(locs) != 2 || locs[1].City != "Washington, D.C." || locs[1].Country != "US" {
		t.Errorf("parseLocations() = %+v", locs)
	}
	if _, err := parseLocations([]string{"London"}); err == nil {
		t.Error("parseLocations() expected error for missing country")
	}
}

func TestOpenStorage(t *testing.T) {
	t.Run("in_memory", func(t *testing.T) {
		b, err := openStorage(&config.Config{CacheBackend: "in_memory", CacheFreshness: time.Minute})
		if err != nil {
			t.Fatal(err)
		}
		if b.storage.Backend() != "in_memory" || b.ping != nil || b.close != nil {
			t.Errorf("backend = %+v", b)
		}
	})
	t.Run("sqlite", func(t *testing.T) {
		b, err := openStorage(&config.Config{
			CacheBackend:   "sqlite",
			CacheFreshness: time.Minute,
			SQLitePath:     filepath.Join(t.TempDir(), "cache.db"),
		})
		if err != nil {
			t.Fatal(err)
		}
		defer b.close()
		if b.storage.Backend() != "sqlite" {
			t.Errorf("Backend() = %q", b.storage.Backend())
		}
		if err := b.ping(context.Background()); err != nil {
			t.Errorf("ping() error = %v", err)
		}
		if b.prune == nil {
			t.Error("sqlite backend has no prune hook")
		}
	})
}
