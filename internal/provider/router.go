package provider

import (
	"context"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/receipt"
)

// Router dispatches a prediction to the adapter registered for its source.
type Router struct {
	adapters map[receipt.Source]Adapter
}

// NewRouter registers adapters by their Source. A later adapter for the same
// source replaces an earlier one.
func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: make(map[receipt.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Source()] = a
	}
	return r
}

// Predict runs the adapter for source. Unsupported sources fail with
// InvalidArgument before any outbound call.
func (r *Router) Predict(ctx context.Context, source receipt.Source, image []byte, filename string) (*receipt.Prediction, error) {
	adapter, ok := r.adapters[source]
	if !ok {
		return nil, apperr.Newf(apperr.InvalidArgument, "Invalid OCR source provided: %s", source)
	}
	return adapter.Predict(ctx, image, filename)
}
