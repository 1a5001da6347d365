package usecase

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/logging"
	"github.com/snellie/receipt-gateway/internal/receipt"
	"github.com/snellie/receipt-gateway/internal/repository"
)

// Predictor produces a prediction for a source. provider.Router satisfies it.
type Predictor interface {
	Predict(ctx context.Context, source receipt.Source, image []byte, filename string) (*receipt.Prediction, error)
}

// ResultSink archives a successful prediction with its image.
type ResultSink interface {
	Save(ctx context.Context, filename string, image []byte, contentType string, prediction *receipt.Prediction) error
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID, userID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
	CountBySource(ctx context.Context) ([]repository.SourceCount, error)
}

// PredictInput is a single prediction request.
type PredictInput struct {
	Subject     string
	Source      receipt.Source
	Filename    string
	ContentType string
	Image       []byte
}

// PredictionUseCase encapsulates business logic for the prediction flow.
type PredictionUseCase struct {
	predictor Predictor
	sink      ResultSink
	repo      PredictionRepository
	logger    *zap.Logger
	now       func() time.Time
}

// NewPredictionUseCase constructs a new use case instance. Archiving and the
// audit log are off until WithSink and WithRepository are called.
func NewPredictionUseCase(predictor Predictor, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		predictor: predictor,
		logger:    logger.Named("prediction_usecase"),
		now:       time.Now,
	}
}

// WithSink enables archiving of successful predictions.
func (uc *PredictionUseCase) WithSink(sink ResultSink) *PredictionUseCase {
	uc.sink = sink
	return uc
}

// WithRepository enables the audit log, result lookup and metrics.
func (uc *PredictionUseCase) WithRepository(repo PredictionRepository) *PredictionUseCase {
	uc.repo = repo
	return uc
}

// Predict runs the provider, archives the result and records the attempt.
// Archive and audit failures are logged and never fail the request.
func (uc *PredictionUseCase) Predict(ctx context.Context, in PredictInput) (*receipt.Prediction, error) {
	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID).With(
		zap.String("source", in.Source.String()),
		zap.String("filename", in.Filename),
	)

	start := uc.now()
	prediction, err := uc.predictor.Predict(ctx, in.Source, in.Image, in.Filename)
	latency := uc.now().Sub(start)

	if err != nil {
		opLogger.Error("prediction failed", zap.Error(err), zap.Duration("latency", latency))
		uc.audit(ctx, requestID, in, nil, err, latency)
		return nil, err
	}

	if uc.sink != nil {
		if serr := uc.sink.Save(ctx, in.Filename, in.Image, in.ContentType, prediction); serr != nil {
			opLogger.Error("failed to archive prediction", logging.ErrorField(serr))
		}
	}

	uc.audit(ctx, requestID, in, prediction, nil, latency)
	opLogger.Info("prediction completed",
		zap.Int("line_items", len(prediction.LineItems)),
		zap.Duration("latency", latency),
	)
	return prediction, nil
}

func (uc *PredictionUseCase) audit(ctx context.Context, requestID string, in PredictInput, prediction *receipt.Prediction, predErr error, latency time.Duration) {
	if uc.repo == nil {
		return
	}

	log := &repository.PredictionLog{
		RequestID:  requestID,
		UserID:     in.Subject,
		Source:     in.Source.String(),
		Filename:   in.Filename,
		StatusCode: http.StatusOK,
		Success:    predErr == nil,
		LatencyMs:  latency.Milliseconds(),
		CreatedAt:  uc.now().UTC(),
	}
	if predErr != nil {
		log.StatusCode = apperr.Status(predErr)
		log.Detail = apperr.Detail(predErr)
	}
	if prediction != nil {
		log.Total = prediction.TotalAmount.String()
		log.LineItems = len(prediction.LineItems)
	}

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		logging.WithOperation(uc.logger, "usecase.audit", requestID).Error("failed to persist prediction log", logging.ErrorField(wrapped))
	}
}

// GetResult loads an audit record. A non-empty userID restricts the lookup
// to records owned by that subject.
func (uc *PredictionUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.PredictionLog, error) {
	if uc.repo == nil {
		return nil, apperr.New(apperr.Unavailable, "Prediction history is not configured")
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "Prediction not found")
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.find_log", logging.RequestIDFromContext(ctx), err)
	}
	return log, nil
}
