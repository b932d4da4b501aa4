package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/models"

	"gorm.io/gorm"
)

// Service persists cache hit/miss metrics and answers windowed queries over
// them. The backing database is whatever the database service was configured
// with (sqlite, postgresql, mysql or clickhouse).
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.CacheMetric{})
}

// Record persists one metric event.
func (s *Service) Record(ctx context.Context, params models.RecordMetricParams) (*models.CacheMetric, error) {
	metric := models.CacheMetric{
		TenantID:   params.TenantID,
		MetricType: params.MetricType,
		LatencyMs:  params.LatencyMs,
		Similarity: params.Similarity,
		Threshold:  params.Threshold,
		Metadata:   params.Metadata,
	}

	if err := s.db.WithContext(ctx).Create(&metric).Error; err != nil {
		return nil, fmt.Errorf("failed to record cache metric: %w", err)
	}

	return &metric, nil
}

// Query returns a tenant's metric records of the given types since the
// timestamp, oldest first.
func (s *Service) Query(ctx context.Context, tenantID string, metricTypes []models.MetricType, since time.Time) ([]models.CacheMetric, error) {
	var records []models.CacheMetric

	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("created_at >= ?", since).
		Order("created_at ASC")

	if len(metricTypes) > 0 {
		query = query.Where("metric_type IN ?", metricTypes)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query cache metrics: %w", err)
	}

	return records, nil
}

// Recorder couples the persistence service with its async worker pool into
// the sink the orchestrator consumes.
type Recorder struct {
	*Service
	worker *Worker
}

// NewRecorder creates a recorder with its worker pool already running.
func NewRecorder(db *gorm.DB, poolSize, bufferSize int) *Recorder {
	service := NewService(db)
	return &Recorder{
		Service: service,
		worker:  NewWorker(service, poolSize, bufferSize),
	}
}

// Submit queues a metric event for background recording.
func (r *Recorder) Submit(params models.RecordMetricParams, requestID string) {
	r.worker.Submit(params, requestID)
}

// Stop drains the worker pool.
func (r *Recorder) Stop() {
	r.worker.Stop()
}

// AverageLatency computes mean lookup latency since the timestamp, across
// all tenants when tenantID is empty.
func (s *Service) AverageLatency(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var avg float64

	query := s.db.WithContext(ctx).
		Model(&models.CacheMetric{}).
		Where("created_at >= ?", since)

	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	err := query.
		Select("COALESCE(AVG(latency_ms), 0) as avg_latency_ms").
		Scan(&avg).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute average latency: %w", err)
	}

	return avg, nil
}
