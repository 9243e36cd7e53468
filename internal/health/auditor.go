// Package health runs background integrity sweeps over stored chains.
// A sweep re-verifies every chain from its persisted document, so
// corruption introduced outside the process (disk edits, a tampered
// database row) is surfaced without waiting for a client to ask.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pruvlabs/xychain/internal/storage"
)

// Config holds sweep configuration.
type Config struct {
	SweepInterval time.Duration
	SweepTimeout  time.Duration
}

// MetricsRecordFunc is an optional callback for recording per-chain
// verification results.
type MetricsRecordFunc func(valid bool)

// Auditor periodically verifies every stored chain.
type Auditor struct {
	store  storage.Store
	cfg    Config
	logger *zap.Logger

	onMetrics MetricsRecordFunc

	mu     sync.Mutex
	broken map[string]int // chain id -> first break index
}

// New creates an Auditor over the store.
func New(store storage.Store, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.SweepTimeout == 0 {
		cfg.SweepTimeout = time.Minute
	}
	return &Auditor{
		store:  store,
		cfg:    cfg,
		logger: logger,
		broken: make(map[string]int),
	}
}

// SetMetricsRecord configures the metrics callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start runs the sweep loop until ctx is cancelled.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, a.cfg.SweepTimeout)
			a.Sweep(sweepCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep verifies every stored chain once and records transitions
// between intact and broken.
func (a *Auditor) Sweep(ctx context.Context) {
	infos, err := a.store.List(ctx)
	if err != nil {
		a.logger.Error("audit: list chains", zap.Error(err))
		return
	}

	checked, brokenNow := 0, 0
	for _, info := range infos {
		chain, err := a.store.Load(ctx, info.ID)
		if err != nil {
			a.logger.Error("audit: load chain", zap.String("chain_id", info.ID), zap.Error(err))
			continue
		}
		checked++

		valid, breakIdx := chain.Verify()
		if a.onMetrics != nil {
			a.onMetrics(valid)
		}

		a.mu.Lock()
		_, wasBroken := a.broken[info.ID]
		if valid {
			delete(a.broken, info.ID)
		} else {
			a.broken[info.ID] = breakIdx
		}
		a.mu.Unlock()

		if !valid {
			brokenNow++
			if !wasBroken {
				a.logger.Warn("audit: stored chain broken",
					zap.String("chain_id", info.ID),
					zap.String("name", info.Name),
					zap.Int("break_index", breakIdx),
				)
			}
		} else if wasBroken {
			a.logger.Info("audit: chain intact again", zap.String("chain_id", info.ID))
		}
	}

	a.logger.Debug("audit sweep complete",
		zap.Int("checked", checked),
		zap.Int("broken", brokenNow),
	)
}

// Broken returns the chains currently failing verification, keyed by
// chain id with the first break index as value.
func (a *Auditor) Broken() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.broken))
	for id, idx := range a.broken {
		out[id] = idx
	}
	return out
}
