package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksCommands(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("orders.CreateOrder")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("orders.CreateOrder")
	span.End(errors.New("duplicate"))

	snap := metrics.Snapshot()
	stats := snap.Commands["orders.CreateOrder"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalCommands != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsTracksLockWaits(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddLockWait(50 * time.Millisecond)
	metrics.AddLockWait(25 * time.Millisecond)
	metrics.AddLockWait(0)

	snap := metrics.Snapshot()
	if snap.LockWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.LockWaits)
	}
	if snap.LockWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.LockWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("expected inflight 5, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
	if snap.Lifecycle.ShutdownAt.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("saga.StartSaga")
	span.End(errors.New("fail"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if len(snap.Commands) == 0 {
		t.Fatalf("expected commands in snapshot")
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored") // nil-safe
	span.End(nil)              // should not panic

	m.AddLockWait(time.Second)
	m.MarkShutdown(10)
}
