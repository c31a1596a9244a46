package checks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"github.com/bsm/redislock"
)

var ErrRunInProgress = errors.New("checks: a run is already in progress")

const (
	runLockKey = "lock:crm_auditor:run"
	runLockTTL = 10 * time.Minute
)

// RunGuard allows one run at a time.
type RunGuard interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// NewRunGuard uses Redis when a lock client is available so that several
// processes share the guard; otherwise the guard is process local.
func NewRunGuard(locker *redislock.Client) RunGuard {
	if locker == nil {
		return &LocalRunGuard{}
	}
	return &RedisRunGuard{locker: locker, key: runLockKey, ttl: runLockTTL}
}

type LocalRunGuard struct {
	mu sync.Mutex
}

func (g *LocalRunGuard) Acquire(ctx context.Context) (func(), error) {
	if !g.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	return g.mu.Unlock, nil
}

// RedisRunGuard holds a redislock for the duration of a run and refreshes it
// at half its TTL.
type RedisRunGuard struct {
	local  LocalRunGuard
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

func (g *RedisRunGuard) Acquire(ctx context.Context) (func(), error) {
	unlockLocal, err := g.local.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := g.locker.Obtain(ctx, g.key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		unlockLocal()
		return nil, ErrRunInProgress
	}
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), g.ttl, nil); err != nil {
					config.GetLogger().WithError(err).Warn("failed to refresh run lock")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.GetLogger().WithError(err).Warn("failed to release run lock")
			}
			unlockLocal()
		})
	}, nil
}
