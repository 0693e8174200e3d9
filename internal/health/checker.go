// Package health runs the background poller that keeps each registered
// server's health_status current.
package health

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Target is the minimal server data needed for a health probe.
type Target struct {
	ID      uuid.UUID
	Name    string
	BaseURL string
}

// TargetLister returns the active servers to probe. The server binary adapts
// the repository's poll-target query to this.
type TargetLister interface {
	ListPollTargets(ctx context.Context) ([]Target, error)
}

// StatusUpdater records a probe outcome for a server.
type StatusUpdater interface {
	UpdateHealthStatus(ctx context.Context, id uuid.UUID, status model.HealthStatus, checkedAt time.Time) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// StatusCounter reports how many non-deleted servers sit in each lifecycle
// status. The server binary adapts the repository's count query to this.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.ServerStatus]int, error)
}

// GaugeRecordFunc is an optional callback for publishing per-status server
// counts.
type GaugeRecordFunc func(status string, count float64)

// Checker runs periodic endpoint health probes with bounded concurrency.
// A server is marked unhealthy only after FailThreshold consecutive failures,
// so a single flaky probe never flips its status.
type Checker struct {
	lister     TargetLister
	updater    StatusUpdater
	httpClient *http.Client

	mu         sync.Mutex
	failCounts map[uuid.UUID]int

	cfg       Config
	onMetrics MetricsRecordFunc
	counter   StatusCounter
	onGauge   GaugeRecordFunc
	logger    *zap.Logger
}

// New creates a Checker.
func New(lister TargetLister, updater StatusUpdater, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		lister:     lister,
		updater:    updater,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		failCounts: make(map[uuid.UUID]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// SetStatusGauge configures per-status server count publication. Each polling
// pass refreshes the gauge before probing.
func (c *Checker) SetStatusGauge(counter StatusCounter, fn GaugeRecordFunc) {
	c.counter = counter
	c.onGauge = fn
}

// Start runs the polling loop until quit is signalled.
func (c *Checker) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckInterval-time.Second)
			c.CheckAll(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// CheckAll probes every active server endpoint.
func (c *Checker) CheckAll(ctx context.Context) {
	c.refreshGauge(ctx)

	targets, err := c.lister.ListPollTargets(ctx)
	if err != nil {
		c.logger.Error("health: list targets", zap.Error(err))
		return
	}

	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, t := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := c.probeEndpoint(ctx, target.BaseURL)

			if c.onMetrics != nil {
				c.onMetrics(success)
			}

			c.mu.Lock()
			prevCount := c.failCounts[target.ID]
			if success {
				c.failCounts[target.ID] = 0
			} else {
				c.failCounts[target.ID]++
			}
			count := c.failCounts[target.ID]
			c.mu.Unlock()

			now := time.Now().UTC()

			switch {
			case success && prevCount >= c.cfg.FailThreshold:
				if err := c.updater.UpdateHealthStatus(ctx, target.ID, model.HealthHealthy, now); err != nil {
					c.logger.Warn("health: update status", zap.Error(err))
				}
				c.logger.Info("health: recovered", zap.String("server", target.Name))
			case success:
				if err := c.updater.UpdateHealthStatus(ctx, target.ID, model.HealthHealthy, now); err != nil {
					c.logger.Warn("health: update status", zap.Error(err))
				}
			case count == c.cfg.FailThreshold:
				if err := c.updater.UpdateHealthStatus(ctx, target.ID, model.HealthUnhealthy, now); err != nil {
					c.logger.Warn("health: update status", zap.Error(err))
				}
				c.logger.Warn("health: unhealthy",
					zap.String("server", target.Name),
					zap.Int("fail_count", count),
				)
			}
		}(t)
	}

	wg.Wait()
}

func (c *Checker) refreshGauge(ctx context.Context) {
	if c.counter == nil || c.onGauge == nil {
		return
	}
	counts, err := c.counter.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("health: count servers", zap.Error(err))
		return
	}
	for status, n := range counts {
		c.onGauge(string(status), float64(n))
	}
}

// probeEndpoint follows the discovery convention: GET <base>/health, falling
// back to the endpoint root. Any 2xx counts as alive.
func (c *Checker) probeEndpoint(ctx context.Context, baseURL string) bool {
	base := strings.TrimRight(baseURL, "/")
	if c.tryGet(ctx, base+"/health") {
		return true
	}
	return c.tryGet(ctx, base+"/")
}

func (c *Checker) tryGet(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
