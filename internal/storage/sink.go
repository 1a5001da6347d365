package storage

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/logging"
	"github.com/snellie/receipt-gateway/internal/receipt"
)

const (
	PredictionsPrefix = "predictions/"
	CompressedPrefix  = "compressed/"
)

// Sink archives a prediction and a recompressed copy of its image. The two
// writes are independent; a failed image write leaves the prediction in place.
type Sink struct {
	store       BlobStore
	compression Compression
	logger      *zap.Logger
}

// NewSink wraps store.
func NewSink(store BlobStore, compression Compression, logger *zap.Logger) *Sink {
	return &Sink{store: store, compression: compression, logger: logger.Named("storage_sink")}
}

// PredictionKey is the object key of the serialized prediction for filename.
func PredictionKey(filename string) string {
	return PredictionsPrefix + objectName(filename) + ".json"
}

// CompressedKey is the object key of the recompressed image for filename.
func CompressedKey(filename string) string {
	return CompressedPrefix + objectName(filename)
}

// objectName drops any client-supplied directory components.
func objectName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// Save writes the prediction first, then the compressed image.
func (s *Sink) Save(ctx context.Context, filename string, image []byte, contentType string, prediction *receipt.Prediction) error {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(s.logger, "storage.save", requestID)

	body, err := json.Marshal(prediction)
	if err != nil {
		return logging.NewOperationError("storage.encode_prediction", requestID, err)
	}
	predictionKey := PredictionKey(filename)
	if err := s.store.Put(ctx, predictionKey, body, "application/json"); err != nil {
		return logging.NewOperationError("storage.put_prediction", requestID, err)
	}

	compressed, err := s.compression.Compress(image, contentType)
	if err != nil {
		return logging.NewOperationError("storage.compress_image", requestID, err)
	}
	compressedKey := CompressedKey(filename)
	if err := s.store.Put(ctx, compressedKey, compressed, "image/jpeg"); err != nil {
		return logging.NewOperationError("storage.put_compressed", requestID, err)
	}

	opLogger.Info("prediction archived",
		zap.String("prediction_key", predictionKey),
		zap.String("compressed_key", compressedKey),
		zap.Int("original_bytes", len(image)),
		zap.Int("compressed_bytes", len(compressed)),
	)
	return nil
}
