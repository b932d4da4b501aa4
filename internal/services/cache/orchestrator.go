package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/models"
	"github.com/Egham-7/adaptive-cache/internal/services/embeddings"
	"github.com/Egham-7/adaptive-cache/internal/services/metrics"
	"github.com/Egham-7/adaptive-cache/internal/services/threshold"
	"github.com/Egham-7/adaptive-cache/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const exactMatchSimilarity = 1.0

// Orchestrator composes the fast store, similarity store, embedder and
// threshold controller behind the public cache contract. It is safe for
// concurrent use; the only shared mutable state is the injected threshold
// controller, which serializes its own access. Lookup and store failures are
// contained here: the cache degrades to "always miss" rather than ever
// failing the caller's request path.
type Orchestrator struct {
	settings   models.CacheSettings
	fastStore  FastStore
	simStore   SimilarityStore
	embedder   embeddings.Embedder
	controller *threshold.Controller
	metrics    MetricsSink
	warmer     *Warmer
}

// fastEntry is the JSON payload projected into the fast store.
type fastEntry struct {
	Query     string         `json:"query"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	HitCount  int64          `json:"hit_count"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// NewOrchestrator wires the cache components together. The threshold
// controller validates the settings, so invalid bounds fail construction.
func NewOrchestrator(settings models.CacheSettings, fastStore FastStore, simStore SimilarityStore, embedder embeddings.Embedder, sink MetricsSink) (*Orchestrator, error) {
	controller, err := threshold.New(settings)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		settings:   settings,
		fastStore:  fastStore,
		simStore:   simStore,
		embedder:   embedder,
		controller: controller,
		metrics:    sink,
	}
	o.warmer = NewWarmer(settings.Debounce(), o.warmTenant)

	fiberlog.Infof("CacheOrchestrator: initialized (threshold=%.2f adaptive=%t fast_store=%t warming=%t)",
		settings.SimilarityThreshold, settings.AdaptiveThreshold, settings.FastStoreEnabled, settings.WarmingEnabled)
	return o, nil
}

// CheckCache resolves a query against the two cache tiers. Absence is not an
// error: both a genuine miss and any adapter or embedding failure return
// (nil, nil). Only argument validation propagates.
func (o *Orchestrator) CheckCache(ctx context.Context, tenantID, query string, opts *models.CheckCacheOptions) (*models.CacheEntry, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant id cannot be empty", nil)
	}
	if query == "" {
		return nil, models.NewValidationError("query cannot be empty", nil)
	}

	start := time.Now()

	// Snapshot the threshold before any I/O so a slow external call never
	// holds the controller lock.
	thresholdInEffect := o.controller.Current()
	if opts != nil && opts.CustomThreshold > 0 {
		thresholdInEffect = opts.CustomThreshold
		fiberlog.Debugf("CacheOrchestrator: using custom threshold %.2f for tenant %s", thresholdInEffect, tenantID)
	}

	if o.settings.FastStoreEnabled && o.fastStore.Enabled() && (opts == nil || !opts.BypassFastStore) {
		if entry := o.checkFastStore(ctx, tenantID, query, start); entry != nil {
			return entry, nil
		}
	}

	return o.checkSimilarityStore(ctx, tenantID, query, thresholdInEffect, start)
}

// checkFastStore tries the exact-match tier. Returns nil on miss or on any
// adapter error; the slow path takes over either way.
func (o *Orchestrator) checkFastStore(ctx context.Context, tenantID, query string, start time.Time) *models.CacheEntry {
	key := utils.FastKey(tenantID, query)

	callCtx, cancel := context.WithTimeout(ctx, o.settings.CallTimeout())
	defer cancel()

	payload, found, err := o.fastStore.Get(callCtx, key)
	if err != nil {
		fiberlog.Errorf("CacheOrchestrator: fast store lookup failed for tenant %s: %v", tenantID, err)
		return nil
	}
	if !found {
		return nil
	}

	var stored fastEntry
	if err := json.Unmarshal(payload, &stored); err != nil {
		fiberlog.Warnf("CacheOrchestrator: corrupt fast store payload for tenant %s, treating as miss: %v", tenantID, err)
		return nil
	}

	fiberlog.Debugf("CacheOrchestrator: exact cache hit for tenant %s", tenantID)
	o.recordObservation(models.Observation{Hit: true, Similarity: ptr(exactMatchSimilarity)})
	o.emitMetric(tenantID, models.MetricCacheHit, start, ptr(exactMatchSimilarity), nil, models.Metadata{"tier": "fast"})

	return &models.CacheEntry{
		ID:         "fast:" + key,
		Query:      stored.Query,
		Response:   stored.Response,
		Similarity: exactMatchSimilarity,
		HitCount:   stored.HitCount + 1,
		LastHitAt:  time.Now(),
		ExpiresAt:  stored.ExpiresAt,
		Metadata:   stored.Metadata,
	}
}

// checkSimilarityStore runs the embed + nearest-neighbor path and applies
// the threshold in effect.
func (o *Orchestrator) checkSimilarityStore(ctx context.Context, tenantID, query string, thresholdInEffect float64, start time.Time) (*models.CacheEntry, error) {
	embedCtx, cancelEmbed := context.WithTimeout(ctx, o.settings.CallTimeout())
	defer cancelEmbed()

	embedding, err := o.embedder.Embed(embedCtx, query)
	if err != nil {
		fiberlog.Errorf("CacheOrchestrator: embedding failed for tenant %s, treating as miss: %v", tenantID, err)
		return nil, nil
	}

	lookupCtx, cancelLookup := context.WithTimeout(ctx, o.settings.CallTimeout())
	defer cancelLookup()

	candidate, err := o.simStore.Lookup(lookupCtx, tenantID, embedding)
	if err != nil {
		fiberlog.Errorf("CacheOrchestrator: similarity lookup failed for tenant %s, treating as miss: %v", tenantID, err)
		return nil, nil
	}

	if candidate != nil && candidate.Similarity >= thresholdInEffect {
		return o.resolveSimilarityHit(ctx, tenantID, query, thresholdInEffect, candidate, start), nil
	}

	var similarity *float64
	if candidate != nil {
		similarity = ptr(candidate.Similarity)
		fiberlog.Debugf("CacheOrchestrator: best candidate %.4f below threshold %.4f for tenant %s", candidate.Similarity, thresholdInEffect, tenantID)
	} else {
		fiberlog.Debugf("CacheOrchestrator: no candidates for tenant %s", tenantID)
	}

	o.recordObservation(models.Observation{Hit: false, Similarity: similarity})
	o.emitMetric(tenantID, models.MetricCacheMiss, start, similarity, ptr(thresholdInEffect), nil)
	return nil, nil
}

// resolveSimilarityHit writes the hit through to the fast store, records the
// observation and builds the caller-facing entry.
func (o *Orchestrator) resolveSimilarityHit(ctx context.Context, tenantID, query string, thresholdInEffect float64, candidate *models.SimilarityCandidate, start time.Time) *models.CacheEntry {
	fiberlog.Infof("CacheOrchestrator: semantic cache hit for tenant %s (similarity=%.4f threshold=%.4f)", tenantID, candidate.Similarity, thresholdInEffect)

	// Best-effort write-through; a failure leaves the fast store stale, not
	// the lookup broken.
	o.writeFastProjection(ctx, tenantID, query, candidate.Response, candidate.Metadata, candidate.HitCount+1)

	hitCtx, cancel := context.WithTimeout(ctx, o.settings.CallTimeout())
	defer cancel()
	if err := o.simStore.RecordHit(hitCtx, tenantID, candidate.ID); err != nil {
		fiberlog.Warnf("CacheOrchestrator: failed to record hit on entry %s/%s: %v", tenantID, candidate.ID, err)
	}

	o.recordObservation(models.Observation{Hit: true, Similarity: ptr(candidate.Similarity)})
	o.emitMetric(tenantID, models.MetricCacheHit, start, ptr(candidate.Similarity), ptr(thresholdInEffect), models.Metadata{"tier": "similarity"})

	return &models.CacheEntry{
		ID:         candidate.ID,
		Query:      candidate.Query,
		Response:   candidate.Response,
		Similarity: candidate.Similarity,
		HitCount:   candidate.HitCount + 1,
		LastHitAt:  time.Now(),
		ExpiresAt:  candidate.ExpiresAt,
		Metadata:   candidate.Metadata,
	}
}

// StoreInCache writes a response into the similarity store (system of
// record) with a denormalized fast-store projection. Store failures are
// logged and swallowed; they must never fail the caller's write path.
func (o *Orchestrator) StoreInCache(ctx context.Context, tenantID, query, response string, metadata map[string]any) error {
	if tenantID == "" {
		return models.NewValidationError("tenant id cannot be empty", nil)
	}
	if query == "" {
		return models.NewValidationError("query cannot be empty", nil)
	}

	embedCtx, cancelEmbed := context.WithTimeout(ctx, o.settings.CallTimeout())
	defer cancelEmbed()

	embedding, err := o.embedder.Embed(embedCtx, query)
	if err != nil {
		fiberlog.Errorf("CacheOrchestrator: embedding failed during store for tenant %s: %v", tenantID, err)
	} else {
		storeCtx, cancelStore := context.WithTimeout(ctx, o.settings.CallTimeout())
		defer cancelStore()
		if _, err := o.simStore.Store(storeCtx, tenantID, query, response, embedding, metadata, o.settings.TTL()); err != nil {
			fiberlog.Errorf("CacheOrchestrator: similarity store write failed for tenant %s: %v", tenantID, err)
		}
	}

	if o.settings.FastStoreEnabled {
		o.writeFastProjection(ctx, tenantID, query, response, metadata, 0)
	}

	if o.settings.WarmingEnabled {
		o.warmer.Schedule(tenantID)
	}

	return nil
}

// writeFastProjection stores the exact-match projection, best-effort.
func (o *Orchestrator) writeFastProjection(ctx context.Context, tenantID, query, response string, metadata map[string]any, hitCount int64) {
	if !o.settings.FastStoreEnabled || !o.fastStore.Enabled() {
		return
	}

	expiresAt := time.Now().Add(o.settings.TTL())
	payload, err := json.Marshal(fastEntry{
		Query:     query,
		Response:  response,
		Metadata:  metadata,
		HitCount:  hitCount,
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		fiberlog.Warnf("CacheOrchestrator: failed to encode fast store payload for tenant %s: %v", tenantID, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.settings.CallTimeout())
	defer cancel()
	if err := o.fastStore.SetWithTTL(callCtx, utils.FastKey(tenantID, query), payload, o.settings.TTL()); err != nil {
		fiberlog.Warnf("CacheOrchestrator: fast store write-through failed for tenant %s: %v", tenantID, err)
	}
}

// InvalidateProjectCache removes all of a tenant's entries from both stores.
// Partial failure does not roll back the successful side; adapter errors
// propagate because silent failure would hide data-hygiene problems.
func (o *Orchestrator) InvalidateProjectCache(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return models.NewValidationError("tenant id cannot be empty", nil)
	}

	simCount, simErr := o.simStore.DeleteByTenant(ctx, tenantID)
	if simErr != nil {
		fiberlog.Errorf("CacheOrchestrator: similarity store invalidation failed for tenant %s: %v", tenantID, simErr)
	}

	fastCount, fastErr := o.fastStore.DeleteByPrefix(ctx, utils.FastKeyPrefix(tenantID))
	if fastErr != nil {
		fiberlog.Errorf("CacheOrchestrator: fast store invalidation failed for tenant %s: %v", tenantID, fastErr)
	}

	fiberlog.Infof("CacheOrchestrator: invalidated tenant %s (similarity=%d fast=%d)", tenantID, simCount, fastCount)
	return errors.Join(simErr, fastErr)
}

// ClearExpiredCache sweeps similarity-store index entries whose backing
// records expired via TTL. The fast store expires its own keys natively.
func (o *Orchestrator) ClearExpiredCache(ctx context.Context) (int, error) {
	count, err := o.simStore.PurgeExpired(ctx)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetCacheAnalytics derives a tenant's analytics snapshot over the trailing
// window from recorded metrics. A tenant with no records gets a zeroed
// snapshot with the live threshold populated.
func (o *Orchestrator) GetCacheAnalytics(ctx context.Context, tenantID string, timeRange models.TimeRange) models.CacheAnalytics {
	since := time.Now().Add(-timeRange.Duration())
	records, err := o.metrics.Query(ctx, tenantID, []models.MetricType{models.MetricCacheHit, models.MetricCacheMiss}, since)
	if err != nil {
		fiberlog.Errorf("CacheOrchestrator: analytics query failed for tenant %s: %v", tenantID, err)
		records = nil
	}
	return metrics.BuildAnalytics(records, o.controller.Current(), o.settings)
}

// GetCacheStats aggregates similarity-store totals, fast-store key counts
// and trailing 24h average lookup latency. Empty tenantID reports globally.
func (o *Orchestrator) GetCacheStats(ctx context.Context, tenantID string) models.CacheStatsSnapshot {
	snapshot := models.CacheStatsSnapshot{
		FastStoreEnabled: o.settings.FastStoreEnabled && o.fastStore.Enabled(),
		CurrentThreshold: o.controller.Current(),
	}

	if stats, err := o.simStore.StatsByTenant(ctx, tenantID); err != nil {
		fiberlog.Errorf("CacheOrchestrator: similarity store stats failed for tenant %q: %v", tenantID, err)
	} else if stats != nil {
		snapshot.SimilarityStore = *stats
	}

	if count, err := o.fastStore.CountKeys(ctx, utils.FastKeyPrefix(tenantID)); err != nil {
		fiberlog.Errorf("CacheOrchestrator: fast store key count failed for tenant %q: %v", tenantID, err)
	} else {
		snapshot.FastStoreKeys = count
	}

	if avg, err := o.metrics.AverageLatency(ctx, tenantID, time.Now().Add(-24*time.Hour)); err != nil {
		fiberlog.Errorf("CacheOrchestrator: average latency query failed for tenant %q: %v", tenantID, err)
	} else {
		snapshot.AvgLatencyMs = avg
	}

	return snapshot
}

// CurrentThreshold exposes the live threshold for health and diagnostics.
func (o *Orchestrator) CurrentThreshold() float64 {
	return o.controller.Current()
}

// Close stops background warming.
func (o *Orchestrator) Close() {
	o.warmer.Stop()
}

// recordObservation feeds the controller; the append that fills the window
// runs the adjustment synchronously before the lookup returns.
func (o *Orchestrator) recordObservation(obs models.Observation) {
	if o.controller.Observe(obs) {
		fiberlog.Debugf("CacheOrchestrator: threshold adjustment window evaluated, threshold now %.4f", o.controller.Current())
	}
}

func (o *Orchestrator) emitMetric(tenantID string, metricType models.MetricType, start time.Time, similarity, thresholdUsed *float64, metadata models.Metadata) {
	o.metrics.Submit(models.RecordMetricParams{
		TenantID:   tenantID,
		MetricType: metricType,
		LatencyMs:  float64(time.Since(start).Microseconds()) / 1000.0,
		Similarity: similarity,
		Threshold:  thresholdUsed,
		Metadata:   metadata,
	}, tenantID)
}

func ptr(v float64) *float64 {
	return &v
}
