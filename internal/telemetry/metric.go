package telemetry

import (
	"math"
	"sync/atomic"
	"time"
)

const bitsPerMegabit = 1024.0 * 1024.0

// Metric accumulates transfer counters for a single share. All methods are
// safe for concurrent use; concurrent downloads of the same share update the
// same Metric.
type Metric struct {
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanoseconds

	uploadCount      atomic.Int64
	totalUploadBytes atomic.Int64

	downloadCount       atomic.Int64
	totalDownloadBytes  atomic.Int64
	totalDownloadTimeMs atomic.Int64

	// Per-transfer download speed extremes in bytes per second.
	maxSpeedBps atomic.Int64
	minSpeedBps atomic.Int64
}

func newMetric(now time.Time) *Metric {
	m := &Metric{createdAt: now}
	m.lastUsed.Store(now.UnixNano())
	m.minSpeedBps.Store(math.MaxInt64)
	return m
}

func (m *Metric) recordUpload(bytes int64, now time.Time) {
	m.uploadCount.Add(1)
	m.totalUploadBytes.Add(bytes)
	m.lastUsed.Store(now.UnixNano())
}

func (m *Metric) recordDownload(bytes, elapsedMs int64, now time.Time) {
	m.downloadCount.Add(1)
	m.totalDownloadBytes.Add(bytes)
	m.totalDownloadTimeMs.Add(elapsedMs)

	speed := speedBps(bytes, elapsedMs)
	m.raiseMax(speed)
	m.lowerMin(speed)

	m.lastUsed.Store(now.UnixNano())
}

// raiseMax stores speed if it exceeds the current maximum. A concurrent
// writer that changes the value between load and swap forces a retry.
func (m *Metric) raiseMax(speed int64) {
	for {
		current := m.maxSpeedBps.Load()
		if speed <= current {
			return
		}
		if m.maxSpeedBps.CompareAndSwap(current, speed) {
			return
		}
	}
}

// lowerMin stores speed if it is below the current minimum.
func (m *Metric) lowerMin(speed int64) {
	for {
		current := m.minSpeedBps.Load()
		if speed >= current {
			return
		}
		if m.minSpeedBps.CompareAndSwap(current, speed) {
			return
		}
	}
}

// AverageBitsPerMs returns the time-weighted average download speed:
// total bits downloaded divided by total download time. Long transfers weigh
// in proportionally to their duration.
func (m *Metric) AverageBitsPerMs() float64 {
	ms := m.totalDownloadTimeMs.Load()
	if m.downloadCount.Load() == 0 || ms <= 0 {
		return 0
	}
	return float64(m.totalDownloadBytes.Load()) * 8 / float64(ms)
}

// Snapshot returns a point-in-time copy of the metric.
func (m *Metric) Snapshot() Snapshot {
	s := Snapshot{
		UploadCount:         m.uploadCount.Load(),
		TotalUploadBytes:    m.totalUploadBytes.Load(),
		DownloadCount:       m.downloadCount.Load(),
		TotalDownloadBytes:  m.totalDownloadBytes.Load(),
		TotalDownloadTimeMs: m.totalDownloadTimeMs.Load(),
		MaxSpeedBps:         m.maxSpeedBps.Load(),
		CreatedAt:           m.createdAt,
		LastUsedAt:          time.Unix(0, m.lastUsed.Load()),
	}
	if lowest := m.minSpeedBps.Load(); lowest != math.MaxInt64 {
		s.MinSpeedBps = lowest
	}
	s.AverageSpeedMbps = m.AverageBitsPerMs() * 1000 / bitsPerMegabit
	s.MaxSpeedMbps = bytesPerSecondToMbps(s.MaxSpeedBps)
	s.MinSpeedMbps = bytesPerSecondToMbps(s.MinSpeedBps)
	return s
}

// Snapshot is the externally visible, statically shaped view of a Metric.
type Snapshot struct {
	UploadCount         int64     `json:"upload_count"`
	TotalUploadBytes    int64     `json:"total_upload_bytes"`
	DownloadCount       int64     `json:"download_count"`
	TotalDownloadBytes  int64     `json:"total_download_bytes"`
	TotalDownloadTimeMs int64     `json:"total_download_time_ms"`
	MaxSpeedBps         int64     `json:"max_speed_bps"`
	MinSpeedBps         int64     `json:"min_speed_bps"`
	AverageSpeedMbps    float64   `json:"average_speed_mbps"`
	MaxSpeedMbps        float64   `json:"max_speed_mbps"`
	MinSpeedMbps        float64   `json:"min_speed_mbps"`
	CreatedAt           time.Time `json:"created_at"`
	LastUsedAt          time.Time `json:"last_used_at"`
}

// speedBps returns bytes per second, treating sub-millisecond transfers as
// one millisecond.
func speedBps(bytes, elapsedMs int64) int64 {
	if elapsedMs < 1 {
		elapsedMs = 1
	}
	return bytes * 1000 / elapsedMs
}

func bytesPerSecondToMbps(bps int64) float64 {
	return float64(bps) * 8 / bitsPerMegabit
}
