package memory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = time.Hour

// Sweeper periodically runs the offline half of the memory lifecycle:
// global decay, threshold deletion, and per-session consolidation.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a Sweeper. interval <= 0 selects one hour.
func NewSweeper(engine *Engine, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger.Named("memory"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep fires one interval in,
// not immediately.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.RunOnce(context.Background()); err != nil {
					s.logger.Error("memory sweep failed", zap.Error(err))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// RunOnce executes a single sweep: decay everything, then consolidate each
// session that still has memories. Consolidation failures are logged per
// session and do not stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()
	updated, deleted, err := s.engine.ApplyGlobalDecay(ctx)
	if err != nil {
		return err
	}

	sessions, err := s.engine.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	consolidated := 0
	for _, sid := range sessions {
		n, err := s.engine.ConsolidateSimilar(ctx, sid, 0)
		if err != nil {
			s.logger.Warn("consolidation failed", zap.String("session_id", sid), zap.Error(err))
			continue
		}
		consolidated += n
	}

	s.logger.Info("memory sweep complete",
		zap.Int("decayed", updated),
		zap.Int("deleted", deleted),
		zap.Int("sessions", len(sessions)),
		zap.Int("consolidated", consolidated),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
