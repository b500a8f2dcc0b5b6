package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/patchworkhq/backend/internal/config"
	"github.com/patchworkhq/backend/internal/models"
)

// ErrWorkerUnavailable means no healthy worker with spare capacity
// could serve the requested worker type.
var ErrWorkerUnavailable = errors.New("worker_unavailable")

const healthTimeout = 3 * time.Second

// Health is one worker's probed state.
type Health struct {
	Location  string    `json:"location"`
	Healthy   bool      `json:"healthy"`
	Capacity  int       `json:"capacity"` // free execution slots
	CheckedAt time.Time `json:"checked_at"`
}

// Directory tracks the configured worker executors and resolves a
// dispatch target per submission. Health is probed per call; results
// are advisory and never cached here.
type Directory struct {
	workers    []config.WorkerConfig
	preference []string
	client     *http.Client
	log        *slog.Logger
}

func NewDirectory(workers []config.WorkerConfig, preference []string, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		workers:    workers,
		preference: preference,
		client:     &http.Client{Timeout: healthTimeout},
		log:        log,
	}
}

// BaseURL returns the configured base URL for a location.
func (d *Directory) BaseURL(location string) (string, error) {
	for _, w := range d.workers {
		if w.Location == location {
			return w.BaseURL, nil
		}
	}
	return "", fmt.Errorf("unknown worker location %q", location)
}

// CheckHealth probes one worker's /health endpoint.
func (d *Directory) CheckHealth(ctx context.Context, location string) (*Health, error) {
	base, err := d.BaseURL(location)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health probe %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health probe %s: status %d", location, resp.StatusCode)
	}
	var body struct {
		Healthy  bool `json:"healthy"`
		Capacity int  `json:"capacity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("health probe %s: %w", location, err)
	}
	return &Health{Location: location, Healthy: body.Healthy, Capacity: body.Capacity, CheckedAt: time.Now()}, nil
}

// ResolveWorker picks the dispatch target for the given worker type.
// "auto" takes the healthy worker with the most free capacity, ties
// broken by the configured preference order. A specific type still
// routes through health and capacity of the workers that support it.
func (d *Directory) ResolveWorker(ctx context.Context, workerType string) (string, error) {
	var best *Health
	for _, w := range d.candidates(workerType) {
		h, err := d.CheckHealth(ctx, w.Location)
		if err != nil {
			d.log.Warn("worker health probe failed", "location", w.Location, "error", err)
			continue
		}
		if !h.Healthy || h.Capacity <= 0 {
			continue
		}
		if best == nil || h.Capacity > best.Capacity ||
			(h.Capacity == best.Capacity && d.prefRank(h.Location) < d.prefRank(best.Location)) {
			best = h
		}
	}
	if best == nil {
		return "", ErrWorkerUnavailable
	}
	return best.Location, nil
}

func (d *Directory) candidates(workerType string) []config.WorkerConfig {
	if workerType == models.WorkerTypeAuto {
		return d.workers
	}
	var out []config.WorkerConfig
	for _, w := range d.workers {
		for _, t := range w.SupportedTypes {
			if t == workerType {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// prefRank returns the index of the location in the configured
// preference order; unknown locations sort last.
func (d *Directory) prefRank(location string) int {
	for i, loc := range d.preference {
		if loc == location {
			return i
		}
	}
	return len(d.preference)
}
