// Package telemetry tracks per-share transfer counters and process-wide
// totals, and periodically logs a summary of both.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// Options configures a Monitor.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Monitor owns the per-share metric map. It is keyed by share id and must be
// cleared whenever the registry removes a share.
type Monitor struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	metrics map[string]*Metric

	totalUploads   atomic.Int64
	totalDownloads atomic.Int64
	totalBytes     atomic.Int64
}

// Totals are process-wide counters that survive share removal.
type Totals struct {
	Uploads      int64 `json:"uploads"`
	Downloads    int64 `json:"downloads"`
	Bytes        int64 `json:"bytes"`
	ActiveShares int   `json:"active_shares"`
}

// NewMonitor creates an empty Monitor.
func NewMonitor(opts Options) *Monitor {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		clock:   c,
		logger:  logger,
		metrics: make(map[string]*Metric),
	}
}

// metricFor returns the metric for id, creating it on first use.
func (m *Monitor) metricFor(id string) *Metric {
	m.mu.RLock()
	metric, ok := m.metrics[id]
	m.mu.RUnlock()
	if ok {
		return metric
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if metric, ok := m.metrics[id]; ok {
		return metric
	}
	metric = newMetric(m.clock.Now())
	m.metrics[id] = metric
	return metric
}

// RecordUpload records one completed upload of the given size.
func (m *Monitor) RecordUpload(id string, bytes int64) {
	m.totalUploads.Add(1)
	m.totalBytes.Add(bytes)
	m.metricFor(id).recordUpload(bytes, m.clock.Now())

	m.logger.Info("upload recorded", "share", id, "size", humanize.IBytes(uint64(bytes)))
}

// RecordDownload records one completed download of bytes that took
// elapsedMs milliseconds from request to completion.
func (m *Monitor) RecordDownload(id string, bytes, elapsedMs int64) {
	m.totalDownloads.Add(1)
	m.totalBytes.Add(bytes)
	m.metricFor(id).recordDownload(bytes, elapsedMs, m.clock.Now())

	m.logger.Info("download recorded",
		"share", id,
		"size", humanize.IBytes(uint64(bytes)),
		"elapsed", time.Duration(elapsedMs)*time.Millisecond,
		"speed_mbps", bytesPerSecondToMbps(speedBps(bytes, elapsedMs)),
	)
}

// Get returns a snapshot of the metric for id, if any transfer was recorded.
func (m *Monitor) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	metric, ok := m.metrics[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return metric.Snapshot(), true
}

// Clear drops the metric for id.
func (m *Monitor) Clear(id string) {
	m.mu.Lock()
	metric, ok := m.metrics[id]
	delete(m.metrics, id)
	m.mu.Unlock()

	if ok {
		m.logger.Info("share metrics cleared",
			"share", id,
			"uploads", metric.uploadCount.Load(),
			"downloads", metric.downloadCount.Load(),
		)
	}
}

// Retain drops every metric whose id is rejected by keep and returns how
// many were dropped.
func (m *Monitor) Retain(keep func(id string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id := range m.metrics {
		if !keep(id) {
			delete(m.metrics, id)
			dropped++
		}
	}
	return dropped
}

// Totals returns the process-wide counters.
func (m *Monitor) Totals() Totals {
	m.mu.RLock()
	active := len(m.metrics)
	m.mu.RUnlock()
	return Totals{
		Uploads:      m.totalUploads.Load(),
		Downloads:    m.totalDownloads.Load(),
		Bytes:        m.totalBytes.Load(),
		ActiveShares: active,
	}
}

// Summarize logs the totals and one line per tracked share.
func (m *Monitor) Summarize() {
	totals := m.Totals()
	m.logger.Info("transfer statistics",
		"uploads", totals.Uploads,
		"downloads", totals.Downloads,
		"transferred", humanize.IBytes(uint64(totals.Bytes)),
		"active_shares", totals.ActiveShares,
	)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, metric := range m.metrics {
		m.logger.Info("share statistics",
			"share", id,
			"uploads", metric.uploadCount.Load(),
			"downloads", metric.downloadCount.Load(),
			"average_mbps", metric.AverageBitsPerMs()*1000/bitsPerMegabit,
		)
	}
}

// Run calls Summarize every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Summarize()
		}
	}
}
