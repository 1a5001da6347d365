package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when no log matches a lookup.
var ErrNotFound = errors.New("prediction log not found")

// PredictionLog records one prediction attempt, successful or not.
type PredictionLog struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	UserID     string    `gorm:"column:user_id;index;size:128" json:"user_id,omitempty"`
	Source     string    `gorm:"column:source;size:16" json:"source"`
	Filename   string    `gorm:"column:filename;size:255" json:"filename"`
	StatusCode int       `gorm:"column:status_code" json:"status_code"`
	Success    bool      `gorm:"column:success" json:"success"`
	Total      string    `gorm:"column:total;size:32" json:"total,omitempty"`
	LineItems  int       `gorm:"column:line_items" json:"line_items"`
	Detail     string    `gorm:"column:detail;type:text" json:"detail,omitempty"`
	LatencyMs  int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Aggregation is the raw metrics row computed over all logs.
type Aggregation struct {
	TotalCount   int64
	SuccessCount int64
	AvgLatencyMs float64
}

// SourceCount is the number of attempts per provider.
type SourceCount struct {
	Source string
	Count  int64
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db *gorm.DB
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByRequestID retrieves a log by request id. A non-empty userID scopes
// the lookup to that owner.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID, userID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.lookupQuery(ctx, requestID, userID).First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *PredictionRepository) lookupQuery(ctx context.Context, requestID, userID string) *gorm.DB {
	q := r.db.WithContext(ctx).Where("request_id = ?", requestID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	return q
}

// AggregateMetrics computes counts and average latency over all logs.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var agg Aggregation
	if err := r.aggregateQuery(ctx).Scan(&agg).Error; err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *PredictionRepository) aggregateQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&PredictionLog{}).
		Select("COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
			"COALESCE(AVG(latency_ms), 0) AS avg_latency_ms")
}

// CountBySource returns attempts grouped by provider.
func (r *PredictionRepository) CountBySource(ctx context.Context) ([]SourceCount, error) {
	var counts []SourceCount
	if err := r.countBySourceQuery(ctx).Scan(&counts).Error; err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *PredictionRepository) countBySourceQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&PredictionLog{}).
		Select("source, COUNT(*) AS count").
		Group("source").
		Order("source")
}
