package workers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/patchworkhq/backend/internal/config"
	"github.com/patchworkhq/backend/internal/models"
)

// healthServer serves a fixed /health response.
func healthServer(t *testing.T, healthy bool, capacity int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"healthy":%t,"capacity":%d}`, healthy, capacity)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---------------------------------------------------------------------------
// 1. TestResolveAutoPicksMostCapacity
// ---------------------------------------------------------------------------

func TestResolveAutoPicksMostCapacity(t *testing.T) {
	mac := healthServer(t, true, 1)
	vm := healthServer(t, true, 4)

	d := NewDirectory([]config.WorkerConfig{
		{Location: "mac", BaseURL: mac.URL, SupportedTypes: []string{"opus", "glm"}},
		{Location: "vm", BaseURL: vm.URL, SupportedTypes: []string{"glm"}},
	}, []string{"mac", "vm"}, nil)

	loc, err := d.ResolveWorker(context.Background(), models.WorkerTypeAuto)
	if err != nil {
		t.Fatalf("ResolveWorker: %v", err)
	}
	if loc != "vm" {
		t.Errorf("expected vm (capacity 4 over 1), got %s", loc)
	}
}

// ---------------------------------------------------------------------------
// 2. TestResolveAutoTieBreaksByPreference
// ---------------------------------------------------------------------------

func TestResolveAutoTieBreaksByPreference(t *testing.T) {
	mac := healthServer(t, true, 2)
	vm := healthServer(t, true, 2)

	workers := []config.WorkerConfig{
		{Location: "mac", BaseURL: mac.URL, SupportedTypes: []string{"opus"}},
		{Location: "vm", BaseURL: vm.URL, SupportedTypes: []string{"glm"}},
	}

	d := NewDirectory(workers, []string{"mac", "vm"}, nil)
	loc, err := d.ResolveWorker(context.Background(), models.WorkerTypeAuto)
	if err != nil {
		t.Fatalf("ResolveWorker: %v", err)
	}
	if loc != "mac" {
		t.Errorf("preference mac,vm: expected mac, got %s", loc)
	}

	d = NewDirectory(workers, []string{"vm", "mac"}, nil)
	loc, err = d.ResolveWorker(context.Background(), models.WorkerTypeAuto)
	if err != nil {
		t.Fatalf("ResolveWorker: %v", err)
	}
	if loc != "vm" {
		t.Errorf("preference vm,mac: expected vm, got %s", loc)
	}
}

// ---------------------------------------------------------------------------
// 3. TestResolveFiltersByType
//    A specific worker type only considers executors that support it,
//    even if another executor has more free capacity.
// ---------------------------------------------------------------------------

func TestResolveFiltersByType(t *testing.T) {
	mac := healthServer(t, true, 1)
	vm := healthServer(t, true, 10)

	d := NewDirectory([]config.WorkerConfig{
		{Location: "mac", BaseURL: mac.URL, SupportedTypes: []string{"opus", "glm"}},
		{Location: "vm", BaseURL: vm.URL, SupportedTypes: []string{"glm"}},
	}, []string{"mac", "vm"}, nil)

	loc, err := d.ResolveWorker(context.Background(), models.WorkerTypeOpus)
	if err != nil {
		t.Fatalf("ResolveWorker opus: %v", err)
	}
	if loc != "mac" {
		t.Errorf("opus must route to mac, got %s", loc)
	}
}

// ---------------------------------------------------------------------------
// 4. TestResolveUnavailable
//    Unhealthy, zero-capacity and unreachable workers are all skipped;
//    with nothing left the typed sentinel comes back.
// ---------------------------------------------------------------------------

func TestResolveUnavailable(t *testing.T) {
	sick := healthServer(t, false, 5)
	full := healthServer(t, true, 0)
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // connection refused from now on

	d := NewDirectory([]config.WorkerConfig{
		{Location: "sick", BaseURL: sick.URL, SupportedTypes: []string{"opus"}},
		{Location: "full", BaseURL: full.URL, SupportedTypes: []string{"opus"}},
		{Location: "dead", BaseURL: dead.URL, SupportedTypes: []string{"opus"}},
	}, nil, nil)

	_, err := d.ResolveWorker(context.Background(), models.WorkerTypeAuto)
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}

	// A type no executor supports resolves to the same sentinel.
	_, err = d.ResolveWorker(context.Background(), models.WorkerTypeGLM)
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("unsupported type: expected ErrWorkerUnavailable, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 5. TestCheckHealth
// ---------------------------------------------------------------------------

func TestCheckHealth(t *testing.T) {
	srv := healthServer(t, true, 3)
	d := NewDirectory([]config.WorkerConfig{
		{Location: "mac", BaseURL: srv.URL, SupportedTypes: []string{"opus"}},
	}, nil, nil)

	h, err := d.CheckHealth(context.Background(), "mac")
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !h.Healthy || h.Capacity != 3 || h.Location != "mac" {
		t.Errorf("unexpected health: %+v", h)
	}

	if _, err := d.CheckHealth(context.Background(), "nowhere"); err == nil {
		t.Fatal("unknown location should error")
	}
}
