package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/antonminaichev/payflow/internal/lock"
	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepLockKey = "payflow:provisioning-sweep"

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunSweep runs one sweep under the cluster lock. A sweep already running elsewhere is
// not an error.
func RunSweep(ctx context.Context, s Sweeper, l lock.Locker, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock, err := l.TryLock(ctx, sweepLockKey, timeout)
	if errors.Is(err, lock.ErrBusy) {
		logger.Log.Debug("provisioning sweep running elsewhere, skipped")
		return
	}
	if err != nil {
		logger.Log.Error("provisioning sweep lock", zap.Error(err))
		return
	}
	defer unlock()

	done, err := s.Sweep(ctx)
	if err != nil {
		logger.Log.Error("provisioning sweep", zap.Int("completed", done), zap.Error(err))
		return
	}
	if done > 0 {
		logger.Log.Info("provisioning sweep", zap.Int("completed", done))
	}
}

// NewScheduler registers the sweep on spec (seconds field included). The caller starts and
// stops the scheduler.
func NewScheduler(ctx context.Context, spec string, s Sweeper, l lock.Locker, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { RunSweep(ctx, s, l, timeout) }); err != nil {
		return nil, err
	}
	return c, nil
}
