//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/widget"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/"
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates a live OpenWeather client.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, client.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationStorage returns memcached storage when requested and
// reachable, in-memory storage otherwise. Cleanup is registered on t.
func SetupIntegrationStorage(t *testing.T, cfg IntegrationTestConfig) cache.Storage {
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedStorage(cfg.MemcachedAddr, 500*time.Millisecond, 2, 30*time.Minute)
		if err == nil {
			if err := mc.Ping(); err == nil {
				t.Cleanup(func() { _ = mc.Close() })
				t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
				return mc
			}
		}
		t.Logf("Memcached not available, using in-memory cache")
	}
	return cache.NewInMemoryStorage()
}

// SetupIntegrationRegistry wires a live client, service and session registry.
func SetupIntegrationRegistry(t *testing.T, cfg IntegrationTestConfig) (*widget.Registry, cache.Storage) {
	storage := SetupIntegrationStorage(t, cfg)
	svc := service.NewWeatherService(SetupIntegrationClient(t, cfg), service.Options{})
	return widget.NewRegistry(svc, storage, nil, 0), storage
}
