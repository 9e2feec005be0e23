package server

import (
	"context"
	"time"
)

// limiterCleanupInterval is how often idle rate-limit entries are dropped.
const limiterCleanupInterval = time.Minute

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.reaper.Run(ctx)
	go s.monitor.Run(ctx, s.cfg.StatsInterval)
	go s.limiter.Run(ctx, limiterCleanupInterval)
}
