package metrics

import (
	"math"
	"sort"

	"github.com/Egham-7/adaptive-cache/internal/models"
)

// BuildAnalytics derives a read-only analytics snapshot from raw metric
// records. currentThreshold comes from live controller state so a tenant
// with no records still sees the threshold in effect.
func BuildAnalytics(records []models.CacheMetric, currentThreshold float64, settings models.CacheSettings) models.CacheAnalytics {
	analytics := models.CacheAnalytics{
		CurrentThreshold:     currentThreshold,
		RecommendedThreshold: currentThreshold,
	}

	if len(records) == 0 {
		return analytics
	}

	var hitSimilarities []float64
	var similaritySum float64
	for _, record := range records {
		analytics.TotalQueries++
		switch record.MetricType {
		case models.MetricCacheHit:
			analytics.CacheHits++
			if record.Similarity != nil {
				hitSimilarities = append(hitSimilarities, *record.Similarity)
				similaritySum += *record.Similarity
			}
		case models.MetricCacheMiss:
			analytics.CacheMisses++
		}
	}

	analytics.HitRate = float64(analytics.CacheHits) / float64(analytics.TotalQueries)
	if len(hitSimilarities) > 0 {
		analytics.AverageSimilarity = similaritySum / float64(len(hitSimilarities))
	}

	analytics.RecommendedThreshold = recommendThreshold(analytics, hitSimilarities, currentThreshold, settings)
	return analytics
}

// recommendThreshold evaluates a three-tier heuristic in order; the first
// matching tier wins.
func recommendThreshold(analytics models.CacheAnalytics, hitSimilarities []float64, currentThreshold float64, settings models.CacheSettings) float64 {
	switch {
	case analytics.HitRate < settings.TargetHitRate-0.10:
		// Hit rate well short of target: loosen.
		return max(settings.MinThreshold, currentThreshold-0.05)

	case analytics.HitRate > settings.TargetHitRate+0.10 && analytics.AverageSimilarity < 0.95:
		// Plenty of hits but mediocre match quality: tighten.
		return min(settings.MaxThreshold, currentThreshold+0.02)

	default:
		// Retrospective fit: the similarity value that would have produced
		// exactly the target hit rate over this window.
		if len(hitSimilarities) == 0 {
			return currentThreshold
		}
		sorted := make([]float64, len(hitSimilarities))
		copy(sorted, hitSimilarities)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

		rank := int(math.Floor(float64(len(sorted)) * settings.TargetHitRate))
		if rank >= len(sorted) {
			rank = len(sorted) - 1
		}
		return sorted[rank]
	}
}
