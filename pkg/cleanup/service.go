// Package cleanup enforces retention policies over sessions, their log
// and journal files, and the legacy registry directory.
//
// All operations are idempotent: a second sweep under the same policy
// deletes nothing.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/drover-sh/drover/pkg/config"
)

// Service periodically runs the retention sweep.
type Service struct {
	interval time.Duration
	engine   *Engine

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service around an engine.
func NewService(retention *config.RetentionConfig, engine *Engine) *Service {
	return &Service{
		interval: retention.CleanupInterval,
		engine:   engine,
	}
}

// Start launches the background sweep loop. The first sweep runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.engine.Sweep(ctx, false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.Sweep(ctx, false)
		}
	}
}
