package idempotency

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
)

// Janitor deletes completed records once they age past the retention window.
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewJanitor(store Store, retention, interval time.Duration) *Janitor {
	return &Janitor{store: store, retention: retention, interval: interval, now: time.Now}
}

// PruneOnce runs a single retention pass.
func (j *Janitor) PruneOnce(ctx context.Context) (int64, error) {
	n, err := j.store.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	metrics.RecordPruned(n)
	return n, nil
}

// Run prunes immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		n, err := j.PruneOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logging.WithContext(ctx).WithError(err).Error("idempotency prune failed")
		} else if n > 0 {
			logging.WithContext(ctx).WithField("deleted", n).Info("pruned expired idempotency records")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
