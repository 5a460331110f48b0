package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockPrefetcher struct {
	mu      sync.Mutex
	fetched []string
	failFor string
}

func (m *mockPrefetcher) Prefetch(ctx context.Context, city, country string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = append(m.fetched, city+","+country)
	if city == m.failFor {
		return errors.New("upstream failure")
	}
	return nil
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockPrefetcher{}
	warmer := NewCacheWarmer(fetcher, nil, 2)

	err := warmer.Warm(context.Background(), []Location{{"Seattle", "US"}, {"Boston", "US"}, {"London", "GB"}})
	if err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	sort.Strings(fetcher.fetched)
	want := []string{"Boston,US", "London,GB", "Seattle,US"}
	if strings.Join(fetcher.fetched, ";") != strings.Join(want, ";") {
		t.Errorf("fetched = %v, want %v", fetcher.fetched, want)
	}
}

func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	fetcher := &mockPrefetcher{failFor: "Boston"}
	warmer := NewCacheWarmer(fetcher, nil, 0)

	err := warmer.Warm(context.Background(), []Location{{"Seattle", "US"}, {"Boston", "US"}})
	if err == nil {
		t.Fatal("Warm() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Boston,US") {
		t.Errorf("Warm() error = %v, want mention of Boston,US", err)
	}
	if len(fetcher.fetched) != 2 {
		t.Errorf("fetched %d locations, want 2 (failures must not stop the rest)", len(fetcher.fetched))
	}
}

func TestCacheWarmer_WarmPeriodic_StopsOnCancel(t *testing.T) {
	fetcher := &mockPrefetcher{}
	warmer := NewCacheWarmer(fetcher, nil, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := warmer.WarmPeriodic(ctx, []Location{{"Oslo", "NO"}}, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WarmPeriodic() error = %v, want context.DeadlineExceeded", err)
	}
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.fetched) < 2 {
		t.Errorf("fetched %d times, want initial plus at least one tick", len(fetcher.fetched))
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{"London,GB", Location{"London", "GB"}, false},
		{"Washington, D.C.,US", Location{"Washington, D.C.", "US"}, false},
		{" Oslo , NO ", Location{"Oslo", "NO"}, false},
		{"London", Location{}, true},
		{",GB", Location{}, true},
		{"London,", Location{}, true},
	}
	for _, tt := range tests {
		got, err := ParseLocation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLocation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLocation(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
