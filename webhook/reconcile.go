package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sd0xdev/onekey-balance-kit/metrics"
	"github.com/sd0xdev/onekey-balance-kit/snapshot"
)

const (
	defaultReconcileInterval = 24 * time.Hour
	startupReconcileDelay    = 10 * time.Second
	reactiveThrottleWindow   = 5 * time.Minute
	maxConcurrentChains      = 4
)

// Reconciler converges the provider's monitored-address sets with the
// active portfolio snapshots: daily, once at startup, and reactively after
// a portfolio refresh (throttled per chain/address pair).
type Reconciler struct {
	manager   *Manager
	snapshots snapshot.Store
	logger    *logrus.Logger
	chains    []string
	interval  time.Duration
	sem       *semaphore.Weighted

	mu       sync.Mutex
	lastRuns map[string]time.Time // "<chain>:<address>" -> last reactive run
}

func NewReconciler(manager *Manager, snapshots snapshot.Store, chains []string, interval time.Duration, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		manager:   manager,
		snapshots: snapshots,
		logger:    logger,
		chains:    chains,
		interval:  interval,
		sem:       semaphore.NewWeighted(maxConcurrentChains),
		lastRuns:  make(map[string]time.Time),
	}
}

// Run starts the daily loop and the delayed startup pass, returning when
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	startup := time.NewTimer(startupReconcileDelay)
	defer startup.Stop()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			r.RunStartupReconciliation(ctx)
		case <-ticker.C:
			r.RunDailyReconciliation(ctx)
		}
	}
}

// RunDailyReconciliation reconciles every configured chain.
func (r *Reconciler) RunDailyReconciliation(ctx context.Context) {
	r.logger.Info("Starting scheduled reconciliation")
	r.reconcileAll(ctx)
}

// RunStartupReconciliation is the same full pass, run once shortly after
// boot to catch drift accumulated while the service was down.
func (r *Reconciler) RunStartupReconciliation(ctx context.Context) {
	r.logger.Info("Starting startup reconciliation")
	r.reconcileAll(ctx)
}

func (r *Reconciler) reconcileAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, chain := range r.chains {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(chain string) {
			defer wg.Done()
			defer r.sem.Release(1)
			if err := r.reconcileChain(ctx, chain, ""); err != nil {
				r.logger.WithError(err).WithField("chain", chain).Error("Reconciliation failed")
			}
		}(chain)
	}
	wg.Wait()
}

// OnPortfolioUpdated triggers a scoped reconciliation for one address in
// the background. Repeat triggers for the same chain/address inside the
// throttle window are dropped.
func (r *Reconciler) OnPortfolioUpdated(ctx context.Context, chain, address string) {
	key := chain + ":" + address
	now := time.Now()

	r.mu.Lock()
	if last, ok := r.lastRuns[key]; ok && now.Sub(last) < reactiveThrottleWindow {
		r.mu.Unlock()
		return
	}
	r.lastRuns[key] = now
	r.mu.Unlock()

	go func() {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)
		if err := r.reconcileChain(ctx, chain, address); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"chain":   chain,
				"address": address,
			}).Error("Reactive reconciliation failed")
		}
	}()
}

// reconcileChain converges one chain. With scopedAddress set, only that
// address's membership is examined; otherwise the full desired and remote
// sets are diffed.
func (r *Reconciler) reconcileChain(ctx context.Context, chain, scopedAddress string) error {
	outcome := "success"
	defer func() {
		metrics.ReconciliationRunsTotal.WithLabelValues(chain, outcome).Inc()
	}()

	webhookID, err := r.manager.EnsureWebhook(ctx, chain)
	if err != nil {
		if errors.Is(err, ErrCreationLocked) {
			outcome = "skipped"
			return nil
		}
		outcome = "error"
		return err
	}

	remoteAddrs, err := r.manager.provider.GetMonitoredAddresses(ctx, webhookID)
	if err != nil {
		outcome = "error"
		return err
	}
	remote := mapset.NewSet(remoteAddrs...)

	desired := mapset.NewSet[string]()
	if def := r.manager.DefaultAddress(chain); def != "" {
		desired.Add(def)
	}
	notExpired := false
	active, err := r.snapshots.ListByChain(ctx, chain, snapshot.Filter{Expired: &notExpired})
	if err != nil {
		outcome = "error"
		return err
	}
	desired.Append(active...)

	toAdd := desired.Difference(remote)
	toRemove := remote.Difference(desired)
	if def := r.manager.DefaultAddress(chain); def != "" {
		toRemove.Remove(def)
	}

	if scopedAddress != "" {
		scoped := mapset.NewSet(scopedAddress)
		toAdd = toAdd.Intersect(scoped)
		toRemove = toRemove.Intersect(scoped)
	}

	addList := toAdd.ToSlice()
	removeList := toRemove.ToSlice()
	if len(addList) == 0 && len(removeList) == 0 {
		r.logger.WithField("chain", chain).Debug("Monitored set already converged")
		return nil
	}

	if err := r.manager.UpdateAddresses(ctx, chain, addList, removeList); err != nil {
		outcome = "error"
		return err
	}

	// Flip snapshot flags only after the provider accepted the update, so a
	// failed call leaves the system retryable on the next pass.
	if len(addList) > 0 {
		if err := r.snapshots.MarkMonitored(ctx, chain, addList); err != nil {
			outcome = "error"
			return err
		}
	}
	if len(removeList) > 0 {
		if err := r.snapshots.UnmarkMonitored(ctx, chain, removeList); err != nil {
			outcome = "error"
			return err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"chain":   chain,
		"added":   len(addList),
		"removed": len(removeList),
	}).Info("Reconciled monitored addresses")
	return nil
}
