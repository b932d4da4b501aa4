package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egham-7/adaptive-cache/internal/models"
	"github.com/Egham-7/adaptive-cache/internal/services/cache"
	"github.com/Egham-7/adaptive-cache/internal/services/faststore"
	"github.com/Egham-7/adaptive-cache/internal/services/vectorstore"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	// A crude but deterministic text embedding: characters bucketed into a
	// fixed-size histogram, so identical strings map to identical vectors.
	vec := make([]float32, 8)
	for i, r := range text {
		vec[(i+int(r))%len(vec)]++
	}
	return vec, nil
}

type noopSink struct{}

func (noopSink) Submit(models.RecordMetricParams, string) {}
func (noopSink) Query(context.Context, string, []models.MetricType, time.Time) ([]models.CacheMetric, error) {
	return nil, nil
}
func (noopSink) AverageLatency(context.Context, string, time.Time) (float64, error) { return 0, nil }

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	settings := models.DefaultCacheSettings()
	settings.WarmingEnabled = false

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	orchestrator, err := cache.NewOrchestrator(settings, faststore.New(client), vectorstore.New(client), fixedEmbedder{}, noopSink{})
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)

	app := fiber.New()
	NewCacheHandler(orchestrator).RegisterRoutes(app, "/v1/cache")
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NoError(t, resp.Body.Close())
	return out
}

func TestCheckCacheMissReturns204(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/check", fiber.Map{
		"tenant_id": "acme",
		"query":     "never stored",
	})

	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestStoreThenCheckRoundTrip(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/store", fiber.Map{
		"tenant_id": "acme",
		"query":     "what is go",
		"response":  "A programming language.",
		"metadata":  fiber.Map{"model": "gpt-4o"},
	})
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/v1/cache/check", fiber.Map{
		"tenant_id": "acme",
		"query":     "what is go",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	entry := decodeBody[models.CacheEntry](t, resp)
	assert.Equal(t, "A programming language.", entry.Response)
	assert.Equal(t, 1.0, entry.Similarity)
	assert.Equal(t, "gpt-4o", entry.Metadata["model"])
}

func TestCheckCacheValidationReturns400(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/check", fiber.Map{
		"tenant_id": "",
		"query":     "q",
	})

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCheckCacheMalformedBody(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/check", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestInvalidateTenantEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/store", fiber.Map{
		"tenant_id": "acme",
		"query":     "q1",
		"response":  "a1",
	})
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, app, http.MethodDelete, "/v1/cache/tenants/acme", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "invalidated", body["status"])
	assert.Equal(t, "acme", body["tenant_id"])

	resp = doJSON(t, app, http.MethodPost, "/v1/cache/check", fiber.Map{
		"tenant_id": "acme",
		"query":     "q1",
	})
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestWarmEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/warm", fiber.Map{
		"tenant_id": "acme",
		"queries":   []string{"q1", "q2"},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "warmed", body["status"])
}

func TestPurgeEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/purge", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 0, body["purged"])
}

func TestAnalyticsRequiresTenantID(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/v1/cache/analytics", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/v1/cache/analytics?tenant_id=acme", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	analytics := decodeBody[models.CacheAnalytics](t, resp)
	assert.InDelta(t, models.DefaultSimilarityThreshold, analytics.CurrentThreshold, 1e-9)
}

func TestStatsEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/cache/store", fiber.Map{
		"tenant_id": "acme",
		"query":     "q1",
		"response":  "a1",
	})
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/v1/cache/stats?tenant_id=acme", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	stats := decodeBody[models.CacheStatsSnapshot](t, resp)
	assert.Equal(t, int64(1), stats.SimilarityStore.TotalEntries)
	assert.True(t, stats.FastStoreEnabled)
}
