package usecase

import (
	"context"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/logging"
)

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	SuccessRate        float64          `json:"success_rate"`
	AverageLatencyMs   float64          `json:"average_latency_ms"`
	RequestsBySource   map[string]int64 `json:"requests_by_source"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, apperr.New(apperr.Unavailable, "Metrics require a database")
	}
	requestID := logging.RequestIDFromContext(ctx)

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.aggregate_metrics", requestID, err)
	}
	counts, err := uc.repo.CountBySource(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.count_by_source", requestID, err)
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageLatencyMs:   aggregation.AvgLatencyMs,
		RequestsBySource:   make(map[string]int64, len(counts)),
	}
	for _, c := range counts {
		summary.RequestsBySource[c.Source] = c.Count
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
