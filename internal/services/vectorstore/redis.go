package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/models"
	"github.com/Egham-7/adaptive-cache/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix = "semcache:vec:"
	indexKeyPrefix = "semcache:vecidx:"
	tenantsKey     = "semcache:tenants"

	fieldQuery     = "query"
	fieldResponse  = "response"
	fieldEmbedding = "embedding"
	fieldMetadata  = "metadata"
	fieldHitCount  = "hit_count"
	fieldLastHit   = "last_hit_at"
	fieldExpiresAt = "expires_at"
)

// RedisStore is the similarity-store adapter backed by Redis. Entries live in
// per-tenant hashes with native TTL expiry; a per-tenant index set supports
// scoped lookup, invalidation and stats. Nearest-neighbor search itself is a
// brute-force cosine scan over the tenant's vectors; the store is a cache,
// not a vector database.
type RedisStore struct {
	client *redis.Client
}

// New creates a similarity store over an existing Redis client.
func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func entryKey(tenantID, id string) string {
	return entryKeyPrefix + tenantID + ":" + id
}

func indexKey(tenantID string) string {
	return indexKeyPrefix + tenantID
}

// Store persists a query/response pair with its embedding under the tenant.
// The entry id is derived from the query hash, so storing the same query
// twice overwrites in place rather than duplicating.
func (s *RedisStore) Store(ctx context.Context, tenantID, query, response string, embedding []float32, metadata map[string]any, ttl time.Duration) (string, error) {
	id := utils.QueryHash(query)
	key := entryKey(tenantID, id)

	metaJSON := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	expiresAt := time.Now().Add(ttl)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldQuery, query,
		fieldResponse, response,
		fieldEmbedding, encodeEmbedding(embedding),
		fieldMetadata, metaJSON,
		fieldExpiresAt, expiresAt.Unix(),
	)
	pipe.HSetNX(ctx, key, fieldHitCount, 0)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, indexKey(tenantID), id)
	pipe.SAdd(ctx, tenantsKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", models.NewAdapterUnavailableError("similarity_store", err)
	}

	return id, nil
}

// Lookup returns the tenant's best-scoring candidate for the embedding, or
// nil when the tenant has no live entries. The candidate is returned
// regardless of any threshold; threshold comparison belongs to the caller.
func (s *RedisStore) Lookup(ctx context.Context, tenantID string, embedding []float32) (*models.SimilarityCandidate, error) {
	ids, err := s.client.SMembers(ctx, indexKey(tenantID)).Result()
	if err != nil {
		return nil, models.NewAdapterUnavailableError("similarity_store", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Fetch all candidate vectors in one round trip.
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, entryKey(tenantID, id), fieldEmbedding)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, models.NewAdapterUnavailableError("similarity_store", err)
	}

	bestIdx := -1
	bestScore := math.Inf(-1)
	var dead []any
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err == redis.Nil {
			// Entry expired under the index; prune lazily.
			dead = append(dead, ids[i])
			continue
		}
		if err != nil {
			return nil, models.NewAdapterUnavailableError("similarity_store", err)
		}
		score := cosineSimilarity(embedding, decodeEmbedding(raw))
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if len(dead) > 0 {
		if err := s.client.SRem(ctx, indexKey(tenantID), dead...).Err(); err != nil {
			fiberlog.Warnf("SimilarityStore: failed to prune %d expired index entries for tenant %s: %v", len(dead), tenantID, err)
		}
	}

	if bestIdx < 0 {
		return nil, nil
	}

	candidate, err := s.fetchEntry(ctx, tenantID, ids[bestIdx])
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		// Expired between scan and fetch.
		return nil, nil
	}
	candidate.Similarity = clampScore(bestScore)
	return candidate, nil
}

// RecordHit bumps hit bookkeeping for an entry that cleared the threshold.
func (s *RedisStore) RecordHit(ctx context.Context, tenantID, id string) error {
	key := entryKey(tenantID, id)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldHitCount, 1)
	pipe.HSet(ctx, key, fieldLastHit, time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewAdapterUnavailableError("similarity_store", err)
	}
	return nil
}

// DeleteByTenant removes every entry and the index for one tenant.
func (s *RedisStore) DeleteByTenant(ctx context.Context, tenantID string) (int64, error) {
	ids, err := s.client.SMembers(ctx, indexKey(tenantID)).Result()
	if err != nil {
		return 0, models.NewAdapterUnavailableError("similarity_store", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, entryKey(tenantID, id))
	}
	keys = append(keys, indexKey(tenantID))

	pipe := s.client.TxPipeline()
	delCmd := pipe.Del(ctx, keys...)
	pipe.SRem(ctx, tenantsKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, models.NewAdapterUnavailableError("similarity_store", err)
	}

	deleted := delCmd.Val()
	if deleted > 0 {
		// Exclude the index key itself from the reported count.
		deleted--
	}
	return deleted, nil
}

// PurgeExpired sweeps index sets for entries whose hashes already expired via
// TTL and reports how many were removed. The hashes themselves need no
// explicit deletion.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int64, error) {
	tenants, err := s.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return 0, models.NewAdapterUnavailableError("similarity_store", err)
	}

	var purged int64
	for _, tenant := range tenants {
		ids, err := s.client.SMembers(ctx, indexKey(tenant)).Result()
		if err != nil {
			return purged, models.NewAdapterUnavailableError("similarity_store", err)
		}

		var dead []any
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, entryKey(tenant, id)).Result()
			if err != nil {
				return purged, models.NewAdapterUnavailableError("similarity_store", err)
			}
			if exists == 0 {
				dead = append(dead, id)
			}
		}
		if len(dead) > 0 {
			if err := s.client.SRem(ctx, indexKey(tenant), dead...).Err(); err != nil {
				return purged, models.NewAdapterUnavailableError("similarity_store", err)
			}
			purged += int64(len(dead))
		}
	}

	if purged > 0 {
		fiberlog.Infof("SimilarityStore: purged %d expired entries across %d tenants", purged, len(tenants))
	}
	return purged, nil
}

// StatsByTenant aggregates one tenant's live entries, or all tenants when
// tenantID is empty. AverageHitRate is the mean recorded hit count per entry.
func (s *RedisStore) StatsByTenant(ctx context.Context, tenantID string) (*models.SimilarityStoreStats, error) {
	tenants := []string{tenantID}
	if tenantID == "" {
		var err error
		tenants, err = s.client.SMembers(ctx, tenantsKey).Result()
		if err != nil {
			return nil, models.NewAdapterUnavailableError("similarity_store", err)
		}
	}

	stats := &models.SimilarityStoreStats{}
	var totalHits int64
	patterns := make([]models.QueryPattern, 0)

	for _, tenant := range tenants {
		ids, err := s.client.SMembers(ctx, indexKey(tenant)).Result()
		if err != nil {
			return nil, models.NewAdapterUnavailableError("similarity_store", err)
		}
		for _, id := range ids {
			vals, err := s.client.HMGet(ctx, entryKey(tenant, id), fieldQuery, fieldHitCount).Result()
			if err != nil {
				return nil, models.NewAdapterUnavailableError("similarity_store", err)
			}
			query, ok := vals[0].(string)
			if !ok {
				continue // expired
			}
			var hits int64
			if raw, ok := vals[1].(string); ok {
				hits, _ = strconv.ParseInt(raw, 10, 64)
			}
			stats.TotalEntries++
			totalHits += hits
			patterns = append(patterns, models.QueryPattern{Pattern: query, HitCount: hits})
		}
	}

	if stats.TotalEntries > 0 {
		stats.AverageHitRate = float64(totalHits) / float64(stats.TotalEntries)
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].HitCount > patterns[j].HitCount })
	if len(patterns) > models.DefaultWarmingTopQueries {
		patterns = patterns[:models.DefaultWarmingTopQueries]
	}
	stats.TopPatterns = patterns

	return stats, nil
}

// fetchEntry loads a full candidate record; nil when the key expired.
func (s *RedisStore) fetchEntry(ctx context.Context, tenantID, id string) (*models.SimilarityCandidate, error) {
	vals, err := s.client.HGetAll(ctx, entryKey(tenantID, id)).Result()
	if err != nil {
		return nil, models.NewAdapterUnavailableError("similarity_store", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	candidate := &models.SimilarityCandidate{
		ID:       id,
		Query:    vals[fieldQuery],
		Response: vals[fieldResponse],
	}
	if raw := vals[fieldHitCount]; raw != "" {
		candidate.HitCount, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw := vals[fieldLastHit]; raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			candidate.LastHitAt = time.Unix(ts, 0)
		}
	}
	if raw := vals[fieldExpiresAt]; raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			expires := time.Unix(ts, 0)
			candidate.ExpiresAt = &expires
		}
	}
	if raw := vals[fieldMetadata]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &candidate.Metadata); err != nil {
			fiberlog.Warnf("SimilarityStore: invalid metadata on entry %s/%s: %v", tenantID, id, err)
		}
	}

	return candidate, nil
}

// encodeEmbedding packs a vector as little-endian float32 bytes. The buffer
// is pooled; the returned slice is copied out before the buffer is released.
func encodeEmbedding(embedding []float32) []byte {
	buf := utils.Get()
	defer utils.Put(buf)

	var scratch [4]byte
	for _, v := range embedding {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
		_, _ = buf.Write(scratch[:])
	}

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out
}

func decodeEmbedding(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// cosineSimilarity computes cosine similarity in float64 precision.
// Mismatched or zero-length vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// clampScore bounds a raw cosine score to the [0, 1] similarity contract.
func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
