package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/receipt"
)

// DefaultAspriseEndpoint is the public Asprise receipt OCR API.
const DefaultAspriseEndpoint = "https://ocr.asprise.com/api/v1/receipt"

// AspriseConfig holds the Asprise form parameters.
type AspriseConfig struct {
	Endpoint   string
	ClientID   string
	Recognizer string // "auto", "US", "CA", "JP", "SG"
	RefNo      string
	Timeout    time.Duration
}

// Asprise posts the image as multipart form data.
type Asprise struct {
	cfg    AspriseConfig
	client *http.Client
	logger *zap.Logger
}

type aspriseResponse struct {
	Success  *bool            `json:"success"`
	Message  string           `json:"message"`
	FileName string           `json:"file_name"`
	Receipts []aspriseReceipt `json:"receipts"`
}

type aspriseReceipt struct {
	Items []receipt.LineItem `json:"items"`
	Total json.Number        `json:"total"`
	Tax   *json.Number       `json:"tax"`
}

// NewAsprise builds the Asprise adapter. A nil client gets one bounded by
// cfg.Timeout.
func NewAsprise(cfg AspriseConfig, client *http.Client, logger *zap.Logger) *Asprise {
	cfg.Timeout = timeoutOrDefault(cfg.Timeout)
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultAspriseEndpoint
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "TEST"
	}
	if cfg.Recognizer == "" {
		cfg.Recognizer = "auto"
	}
	return &Asprise{
		cfg:    cfg,
		client: newHTTPClient(client, cfg.Timeout),
		logger: logger.Named("asprise"),
	}
}

func (a *Asprise) Source() receipt.Source { return receipt.SourceAsprise }

// Predict uploads the image and maps the single receipt in the answer.
func (a *Asprise) Predict(ctx context.Context, image []byte, filename string) (*receipt.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	body, contentType, err := a.buildForm(image, filename)
	if err != nil {
		return nil, fmt.Errorf("building asprise form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building asprise request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out aspriseResponse
	if err := call(a.client, req, a.Source(), a.logger, &out); err != nil {
		return nil, err
	}

	if len(out.Receipts) != 1 {
		return nil, receiptCountError(len(out.Receipts))
	}
	r := out.Receipts[0]
	if r.Total == "" {
		return nil, invalidResponse(a.Source(), "receipt has no total")
	}

	return &receipt.Prediction{
		ImageID:     filename,
		LineItems:   nonNilItems(r.Items),
		TotalAmount: r.Total,
		TaxAmount:   r.Tax,
	}, nil
}

func (a *Asprise) buildForm(image []byte, filename string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := [][2]string{
		{"client_id", a.cfg.ClientID},
		{"recognizer", a.cfg.Recognizer},
		{"ref_no", a.cfg.RefNo},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}
