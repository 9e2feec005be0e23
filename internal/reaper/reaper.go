// Package reaper evicts shares whose owners stopped sending heartbeats.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ssd-technologies/conduit/internal/share"
	"github.com/ssd-technologies/conduit/internal/telemetry"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultStaleTimeout  = 120 * time.Second
	DefaultGracePeriod   = 180 * time.Second
)

// Evictor removes an idle share given its owner token.
type Evictor interface {
	Evict(shareID, token string) error
}

// Options configures a Reaper.
type Options struct {
	Registry *share.Registry
	Evictor  Evictor
	// Monitor, when set, has metrics of removed shares pruned every sweep.
	Monitor *telemetry.Monitor

	SweepInterval time.Duration
	StaleTimeout  time.Duration
	GracePeriod   time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Reaper periodically sweeps the registry for stale shares.
type Reaper struct {
	registry *share.Registry
	evictor  Evictor
	monitor  *telemetry.Monitor

	interval time.Duration
	stale    time.Duration
	grace    time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

func New(opts Options) *Reaper {
	r := &Reaper{
		registry: opts.Registry,
		evictor:  opts.Evictor,
		monitor:  opts.Monitor,
		interval: opts.SweepInterval,
		stale:    opts.StaleTimeout,
		grace:    opts.GracePeriod,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if r.interval <= 0 {
		r.interval = DefaultSweepInterval
	}
	if r.stale <= 0 {
		r.stale = DefaultStaleTimeout
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Stale reports whether s has gone quiet. A share that never sent a
// heartbeat is measured against the grace period from creation.
func (r *Reaper) Stale(s *share.Share, now time.Time) bool {
	last, ok := s.LastHeartbeat()
	if !ok {
		return now.Sub(s.CreatedAt) > r.grace
	}
	return now.Sub(last) > r.stale
}

// Sweep evicts every stale share without streams and returns how many were
// removed. Shares with streams are left for a later sweep.
func (r *Reaper) Sweep(now time.Time) int {
	evicted := 0
	for _, s := range r.registry.Snapshot() {
		if !r.Stale(s, now) {
			continue
		}
		if n := s.StreamCount(); n > 0 {
			r.logger.Debug("stale share has active streams, skipping", "share", s.ID, "streams", n)
			continue
		}

		if err := r.evictor.Evict(s.ID, s.OwnerToken()); err != nil {
			if errors.Is(err, share.ErrBusy) {
				r.logger.Debug("stale share became busy, skipping", "share", s.ID)
			} else {
				r.logger.Warn("failed to evict stale share", "share", s.ID, "error", err)
			}
			continue
		}
		evicted++
		r.logger.Info("evicted stale share", "share", s.ID, "filename", s.Filename)
	}

	if r.monitor != nil {
		if n := r.monitor.Retain(r.registry.Has); n > 0 {
			r.logger.Debug("pruned orphaned metrics", "count", n)
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "stale_timeout", r.stale, "grace_period", r.grace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}
