package telemetry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) (*Monitor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	m := NewMonitor(Options{
		Clock:  mock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, mock
}

func TestMonitor_GetUnknown(t *testing.T) {
	m, _ := newTestMonitor(t)
	_, ok := m.Get("abc123")
	assert.False(t, ok)
}

func TestMonitor_TimeWeightedAverage(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.RecordDownload("s1", 10_000_000, 2000)
	m.RecordDownload("s1", 1_000_000, 100)

	snap, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.DownloadCount)
	assert.Equal(t, int64(11_000_000), snap.TotalDownloadBytes)
	assert.Equal(t, int64(2100), snap.TotalDownloadTimeMs)

	wantBitsPerMs := float64(11_000_000*8) / 2100
	assert.InDelta(t, wantBitsPerMs*1000/(1024*1024), snap.AverageSpeedMbps, 1e-9)

	// Per-transfer speeds: 5,000,000 B/s and 10,000,000 B/s.
	assert.Equal(t, int64(10_000_000), snap.MaxSpeedBps)
	assert.Equal(t, int64(5_000_000), snap.MinSpeedBps)
}

func TestMonitor_ZeroElapsedUsesOneMillisecond(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.RecordDownload("s1", 500, 0)

	snap, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(500_000), snap.MaxSpeedBps)
	assert.Equal(t, int64(500_000), snap.MinSpeedBps)
	assert.Zero(t, snap.AverageSpeedMbps)
}

func TestMonitor_UploadOnlyHasNoSpeedExtremes(t *testing.T) {
	m, mock := newTestMonitor(t)
	created := mock.Now()
	mock.Add(time.Minute)
	m.RecordUpload("s1", 42)

	snap, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.UploadCount)
	assert.Equal(t, int64(42), snap.TotalUploadBytes)
	assert.Zero(t, snap.MinSpeedBps)
	assert.Zero(t, snap.MaxSpeedBps)
	assert.True(t, snap.CreatedAt.Equal(created.Add(time.Minute)))
	assert.True(t, snap.LastUsedAt.Equal(snap.CreatedAt))
}

func TestMonitor_ConcurrentExtremes(t *testing.T) {
	m, _ := newTestMonitor(t)

	const workers = 64
	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			// n KB in one second gives n*1000 B/s.
			m.RecordDownload("s1", n*1000, 1000)
		}(int64(i))
	}
	wg.Wait()

	snap, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(workers), snap.DownloadCount)
	assert.Equal(t, int64(workers*1000), snap.MaxSpeedBps)
	assert.Equal(t, int64(1000), snap.MinSpeedBps)
}

func TestMonitor_ClearAndTotals(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.RecordUpload("s1", 100)
	m.RecordDownload("s1", 100, 10)
	m.RecordUpload("s2", 7)

	m.Clear("s1")
	_, ok := m.Get("s1")
	assert.False(t, ok)

	totals := m.Totals()
	assert.Equal(t, int64(2), totals.Uploads)
	assert.Equal(t, int64(1), totals.Downloads)
	assert.Equal(t, int64(207), totals.Bytes)
	assert.Equal(t, 1, totals.ActiveShares)
}

func TestMonitor_Retain(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.RecordUpload("live", 1)
	m.RecordUpload("gone", 1)

	dropped := m.Retain(func(id string) bool { return id == "live" })
	assert.Equal(t, 1, dropped)

	_, ok := m.Get("live")
	assert.True(t, ok)
	_, ok = m.Get("gone")
	assert.False(t, ok)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m, mock := newTestMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Hour)
		close(done)
	}()

	mock.Add(time.Hour)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
