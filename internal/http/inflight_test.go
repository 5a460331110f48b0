package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInFlightTracker_Count(t *testing.T) {
	var tracker InFlightTracker
	tracker.Increment()
	tracker.Increment()
	tracker.Decrement()
	if got := tracker.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestInFlightTracker_WaitForZero(t *testing.T) {
	tests := []struct {
		name    string
		pending int
		cancel  bool
		wantErr error
	}{
		{"already idle", 0, false, nil},
		{"drains", 1, false, nil},
		{"context cancelled", 1, true, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tracker InFlightTracker
			for i := 0; i < tt.pending; i++ {
				tracker.Increment()
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			} else if tt.pending > 0 {
				time.AfterFunc(10*time.Millisecond, tracker.Decrement)
			}

			err := tracker.WaitForZero(ctx, time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForZero() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWaitForInFlight_WaitsForSlowRequest(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	go h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/weather", nil))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitForInFlight(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForInFlight() with request pending = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := WaitForInFlight(context.Background(), time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() after release = %v", err)
	}
}
