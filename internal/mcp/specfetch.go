package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

// Clock abstracts time for cache expiry so tests can advance it.
type Clock func() time.Time

// specEntry is a cached specification document with its fetch time.
type specEntry struct {
	spec      *model.ServerSpecification
	fetchedAt time.Time
}

// SpecFetcher retrieves specification documents from remote URLs and caches
// them with a TTL. Callers must egress-validate the URL before fetching.
// The cache is an explicit instance passed through the orchestrator's
// dependencies, never process-level state.
type SpecFetcher struct {
	httpClient *http.Client
	ttl        time.Duration
	now        Clock

	mu      sync.Mutex
	entries map[string]specEntry

	logger *zap.Logger
}

// NewSpecFetcher creates a SpecFetcher. ttl of 0 disables caching; a nil
// clock uses time.Now.
func NewSpecFetcher(timeout, ttl time.Duration, now Clock, logger *zap.Logger) *SpecFetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &SpecFetcher{
		httpClient: &http.Client{Timeout: timeout},
		ttl:        ttl,
		now:        now,
		entries:    make(map[string]specEntry),
		logger:     logger,
	}
}

// Fetch returns the specification at specURL, served from cache when a
// fresh entry exists.
func (f *SpecFetcher) Fetch(ctx context.Context, specURL string) (*model.ServerSpecification, error) {
	if f.ttl > 0 {
		f.mu.Lock()
		entry, ok := f.entries[specURL]
		f.mu.Unlock()
		if ok && f.now().Sub(entry.fetchedAt) < f.ttl {
			return entry.spec, nil
		}
	}

	spec, err := f.fetch(ctx, specURL)
	if err != nil {
		return nil, err
	}

	if f.ttl > 0 {
		f.mu.Lock()
		f.entries[specURL] = specEntry{spec: spec, fetchedAt: f.now()}
		f.mu.Unlock()
	}
	return spec, nil
}

func (f *SpecFetcher) fetch(ctx context.Context, specURL string) (*model.ServerSpecification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build specification request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch specification from URL: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("specification URL returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read specification response: %w", err)
	}

	var spec model.ServerSpecification
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode specification document: %w", err)
	}

	f.logger.Info("fetched specification document",
		zap.String("spec_url", specURL),
		zap.String("server_name", spec.ServerInfo.Name),
	)
	return &spec, nil
}
