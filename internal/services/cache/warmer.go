package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
)

const warmingPassTimeout = 30 * time.Second

// Warmer debounces per-tenant warming passes: a burst of stores for the same
// tenant collapses into one pass fired after the debounce window. Timers are
// replaceable and cancellable so tests can drive warming deterministically
// with short windows.
type Warmer struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	debounce time.Duration
	warm     func(tenantID string)
	stopped  bool
}

// NewWarmer creates a warmer that invokes warm once per tenant per debounce
// window.
func NewWarmer(debounce time.Duration, warm func(tenantID string)) *Warmer {
	return &Warmer{
		timers:   make(map[string]*time.Timer),
		debounce: debounce,
		warm:     warm,
	}
}

// Schedule arms (or re-arms) the tenant's debounce timer.
func (w *Warmer) Schedule(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if timer, ok := w.timers[tenantID]; ok {
		timer.Stop()
	}
	w.timers[tenantID] = time.AfterFunc(w.debounce, func() {
		w.fire(tenantID)
	})
}

func (w *Warmer) fire(tenantID string) {
	w.mu.Lock()
	delete(w.timers, tenantID)
	stopped := w.stopped
	w.mu.Unlock()

	if stopped {
		return
	}
	w.warm(tenantID)
}

// Stop cancels all pending warming passes.
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	for tenant, timer := range w.timers {
		timer.Stop()
		delete(w.timers, tenant)
	}
}

// WarmCache proactively resolves queries so later live traffic hits. When
// queries is empty the tenant's most-accessed historical queries are pulled
// from the similarity store's analytics. Queries run in fixed-size
// concurrent batches; an individual warming failure is logged and does not
// abort the pass.
func (o *Orchestrator) WarmCache(ctx context.Context, tenantID string, queries []string) error {
	if tenantID == "" {
		return models.NewValidationError("tenant id cannot be empty", nil)
	}

	if len(queries) == 0 {
		statsCtx, cancel := context.WithTimeout(ctx, o.settings.CallTimeout())
		defer cancel()

		stats, err := o.simStore.StatsByTenant(statsCtx, tenantID)
		if err != nil {
			return err
		}
		for _, pattern := range stats.TopPatterns {
			queries = append(queries, pattern.Pattern)
		}
		if len(queries) > models.DefaultWarmingTopQueries {
			queries = queries[:models.DefaultWarmingTopQueries]
		}
	}

	if len(queries) == 0 {
		fiberlog.Debugf("CacheOrchestrator: nothing to warm for tenant %s", tenantID)
		return nil
	}

	fiberlog.Infof("CacheOrchestrator: warming %d queries for tenant %s", len(queries), tenantID)

	// Bounded concurrency: one batch fully finishes before the next starts.
	for batchStart := 0; batchStart < len(queries); batchStart += models.DefaultWarmingBatchSize {
		batch := queries[batchStart:min(batchStart+models.DefaultWarmingBatchSize, len(queries))]

		g, gctx := errgroup.WithContext(ctx)
		for _, query := range batch {
			g.Go(func() error {
				if _, err := o.CheckCache(gctx, tenantID, query, nil); err != nil {
					fiberlog.Warnf("CacheOrchestrator: warming lookup failed for tenant %s: %v", tenantID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return nil
}

// warmTenant is the debounced warming entrypoint used after stores.
func (o *Orchestrator) warmTenant(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), warmingPassTimeout)
	defer cancel()

	if err := o.WarmCache(ctx, tenantID, nil); err != nil {
		fiberlog.Errorf("CacheOrchestrator: background warming failed for tenant %s: %v", tenantID, err)
	}
}
