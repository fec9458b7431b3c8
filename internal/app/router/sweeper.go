package router

import (
	"context"
	"time"

	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/observability"
)

// Sweeper reclaims processed markers older than the retention window. The
// retention must outlive the longest producer redelivery window, which the
// config layer enforces.
type Sweeper struct {
	uow       orderstore.UnitOfWork
	retention time.Duration
	interval  time.Duration
	logger    observability.Logger
	now       func() time.Time
}

// NewSweeper builds a sweeper running every interval.
func NewSweeper(uow orderstore.UnitOfWork, retention, interval time.Duration, logger observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		uow:       uow,
		retention: retention,
		interval:  interval,
		logger:    observability.Or(logger),
		now:       time.Now,
	}
}

// Run sweeps until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("marker sweep failed", observability.Err(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Debug("markers swept", observability.F("removed", n))
			}
		}
	}
}

// SweepOnce removes markers first seen before now minus the retention.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)
	var n int64
	err := s.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		var err error
		n, err = tx.Markers().Sweep(ctx, cutoff)
		return err
	})
	return n, err
}
