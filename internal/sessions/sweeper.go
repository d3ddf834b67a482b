package sessions

import (
	"context"
	"time"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// Sweeper periodically moves sessions that time has decided: scheduled
// sessions nobody joined become Missed and lapsed payment holds are released.
type Sweeper struct {
	service   *Service
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewSweeper(service *Service, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		service:   service,
		logger:    logger,
		interval:  time.Minute,
		batchSize: 100,
	}
}

func (w *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *Sweeper) WithBatchSize(size int) *Sweeper {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks until ctx is cancelled.
func (w *Sweeper) Start(ctx context.Context) {
	if w.service == nil {
		return
	}
	w.logger.Info("session sweeper started", "interval", w.interval.String())
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns how many sessions moved.
func (w *Sweeper) RunOnce(ctx context.Context) (missed, expired int) {
	missed, err := w.service.SweepMissed(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("session sweeper: missed sweep failed", "error", err)
	}
	expired, err = w.service.ExpireHolds(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("session sweeper: hold expiry failed", "error", err)
	}
	if missed > 0 || expired > 0 {
		w.logger.Info("session sweeper: sessions moved", "missed", missed, "expired_holds", expired)
	}
	return missed, expired
}
