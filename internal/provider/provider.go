// Package provider talks to the external receipt OCR services and maps their
// responses onto receipt.Prediction.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/logging"
	"github.com/snellie/receipt-gateway/internal/receipt"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNoReceipt means the provider found nothing that looks like a receipt.
	ErrNoReceipt = errors.New("no receipt found in the image")
	// ErrMultipleReceipts means the provider found more than one receipt.
	ErrMultipleReceipts = errors.New("more than one receipt found in the image")
)

// Adapter reads one receipt image through a single OCR provider.
type Adapter interface {
	Source() receipt.Source
	Predict(ctx context.Context, image []byte, filename string) (*receipt.Prediction, error)
}

func newHTTPClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: timeout}
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}

// call executes req and returns the decoded JSON body. Transport failures,
// timeouts and non-200 answers are classified for the HTTP boundary.
func call(client *http.Client, req *http.Request, source receipt.Source, logger *zap.Logger, out any) error {
	name := strings.ToUpper(source.String())
	opLogger := logging.WithOperation(logger, "provider."+source.String(), logging.RequestIDFromContext(req.Context()))

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			opLogger.Error("prediction service timed out", zap.Error(err), zap.Duration("elapsed", elapsed))
			return apperr.Wrap(apperr.DependencyTimeout, "Prediction service timed out", err)
		}
		opLogger.Error("prediction request failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return apperr.Wrap(apperr.Dependency, "Error connecting to prediction service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		opLogger.Error("prediction service rejected the image",
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed),
		)
		return apperr.Wrap(apperr.Dependency,
			fmt.Sprintf("%s prediction service failed to process the image", name),
			fmt.Errorf("unexpected status %d", resp.StatusCode),
		)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if isTimeout(err) {
			opLogger.Error("prediction service timed out while reading body", zap.Error(err))
			return apperr.Wrap(apperr.DependencyTimeout, "Prediction service timed out", err)
		}
		opLogger.Error("prediction service returned malformed body", zap.Error(err))
		return apperr.Wrap(apperr.Dependency,
			fmt.Sprintf("%s prediction service returned an invalid response", name), err)
	}

	opLogger.Info("analyzing image finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func receiptCountError(n int) error {
	if n == 0 {
		return apperr.Wrap(apperr.Internal, "", ErrNoReceipt)
	}
	return apperr.Wrap(apperr.Internal, "", ErrMultipleReceipts)
}

func invalidResponse(source receipt.Source, reason string) error {
	return apperr.Wrap(apperr.Dependency,
		fmt.Sprintf("%s prediction service returned an invalid response", strings.ToUpper(source.String())),
		errors.New(reason),
	)
}

func nonNilItems(items []receipt.LineItem) []receipt.LineItem {
	if items == nil {
		return []receipt.LineItem{}
	}
	return items
}
