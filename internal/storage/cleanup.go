package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/fedlogin/internal/log"
)

// Sweeper is the subset of storage the cleanup manager needs
type Sweeper interface {
	DeleteExpiredPending(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// SweepResult counts the records removed by one sweep
type SweepResult struct {
	Pending  int
	Sessions int
}

// CleanupManager reclaims expired pending authorizations and sessions on an
// interval. Expiry is enforced at read time regardless; sweeping only frees space.
type CleanupManager struct {
	sweeper  Sweeper
	interval time.Duration
	onSweep  func(SweepResult)
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CleanupOption configures a CleanupManager
type CleanupOption func(*CleanupManager)

// WithSweepHook calls fn after every sweep that removed something
func WithSweepHook(fn func(SweepResult)) CleanupOption {
	return func(cm *CleanupManager) {
		cm.onSweep = fn
	}
}

// NewCleanupManager creates a manager sweeping every interval
func NewCleanupManager(sweeper Sweeper, interval time.Duration, opts ...CleanupOption) *CleanupManager {
	cm := &CleanupManager{
		sweeper:  sweeper,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Start sweeps once, then keeps sweeping in the background until Stop or ctx ends
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})
	go cm.loop(ctx)
}

// Stop ends the loop and waits for an in-flight sweep. Safe to call twice.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stop)
	})
	<-cm.done
	log.LogInfo("Cleanup manager stopped")
}

func (cm *CleanupManager) loop(ctx context.Context) {
	defer close(cm.done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		cm.sweepAndLog(ctx)

		select {
		case <-ticker.C:
		case <-cm.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes everything that expired before now. Both kinds are always
// attempted; errors from either are joined.
func (cm *CleanupManager) Sweep(ctx context.Context) (SweepResult, error) {
	now := cm.now()
	var result SweepResult
	var errs []error

	pending, err := cm.sweeper.DeleteExpiredPending(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("pending authorizations: %w", err))
	}
	result.Pending = pending

	sessions, err := cm.sweeper.DeleteExpiredSessions(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	result.Sessions = sessions

	if (result.Pending > 0 || result.Sessions > 0) && cm.onSweep != nil {
		cm.onSweep(result)
	}
	return result, errors.Join(errs...)
}

func (cm *CleanupManager) sweepAndLog(ctx context.Context) {
	result, err := cm.Sweep(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Sweep failed", map[string]any{
			"error": err.Error(),
		})
	}
	if result.Pending > 0 || result.Sessions > 0 {
		log.LogDebugWithFields("cleanup", "Swept expired records", map[string]any{
			"pending":  result.Pending,
			"sessions": result.Sessions,
		})
	}
}
