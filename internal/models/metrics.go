package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// MetricType identifies a recorded cache outcome.
type MetricType string

const (
	MetricCacheHit  MetricType = "cache_hit"
	MetricCacheMiss MetricType = "cache_miss"
)

// CacheMetric is one recorded lookup outcome persisted to the analytics
// store. Similarity and Threshold are nil for misses with no candidate.
type CacheMetric struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID   string     `gorm:"size:255;not null;index:idx_cache_metrics_tenant_created" json:"tenant_id"`
	MetricType MetricType `gorm:"size:32;not null;index" json:"metric_type"`
	LatencyMs  float64    `gorm:"not null;default:0" json:"latency_ms"`
	Similarity *float64   `json:"similarity,omitempty"`
	Threshold  *float64   `json:"threshold,omitempty"`
	Metadata   Metadata   `gorm:"type:json" json:"metadata,omitzero"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime;index:idx_cache_metrics_tenant_created" json:"created_at"`
}

// RecordMetricParams carries one metric emission into the recorder.
type RecordMetricParams struct {
	TenantID   string
	MetricType MetricType
	LatencyMs  float64
	Similarity *float64
	Threshold  *float64
	Metadata   Metadata
}

type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Metadata: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

func (Metadata) GormDataType() string {
	return "json"
}

func (Metadata) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	case "sqlite":
		return "TEXT"
	case "clickhouse":
		return "String"
	default:
		return "TEXT"
	}
}
