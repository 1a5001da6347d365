package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/receipt"
)

// KlippaConfig holds the Klippa endpoint and credentials.
type KlippaConfig struct {
	Endpoint   string
	APIKey     string
	PresetSlug string
	Timeout    time.Duration
}

// Klippa posts the image base64 encoded inside a JSON document.
type Klippa struct {
	cfg    KlippaConfig
	client *http.Client
	logger *zap.Logger
}

type klippaRequest struct {
	Preset    klippaPreset     `json:"preset"`
	Documents []klippaDocument `json:"documents"`
}

type klippaPreset struct {
	Slug string `json:"slug"`
}

type klippaDocument struct {
	Data string `json:"data"`
}

type klippaResponse struct {
	Data *struct {
		Components *klippaComponents `json:"components"`
	} `json:"data"`
}

type klippaComponents struct {
	Financial *struct {
		TotalAmount json.Number     `json:"total_amount"`
		Merchant    *klippaMerchant `json:"merchant"`
	} `json:"financial"`
	Merchant  *klippaMerchant `json:"merchant"`
	LineItems *struct {
		Sections []struct {
			Items []receipt.LineItem `json:"items"`
		} `json:"line_item_sections"`
	} `json:"line_items"`
}

type klippaMerchant struct {
	BrandName *string `json:"brand_name"`
}

// NewKlippa builds the Klippa adapter. A nil client gets one bounded by
// cfg.Timeout.
func NewKlippa(cfg KlippaConfig, client *http.Client, logger *zap.Logger) *Klippa {
	cfg.Timeout = timeoutOrDefault(cfg.Timeout)
	if cfg.PresetSlug == "" {
		cfg.PresetSlug = "snellie"
	}
	return &Klippa{
		cfg:    cfg,
		client: newHTTPClient(client, cfg.Timeout),
		logger: logger.Named("klippa"),
	}
}

func (k *Klippa) Source() receipt.Source { return receipt.SourceKlippa }

// Predict sends the image and maps the single line item section of the answer.
func (k *Klippa) Predict(ctx context.Context, image []byte, filename string) (*receipt.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(klippaRequest{
		Preset:    klippaPreset{Slug: k.cfg.PresetSlug},
		Documents: []klippaDocument{{Data: base64.StdEncoding.EncodeToString(image)}},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding klippa request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building klippa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", k.cfg.APIKey)

	var out klippaResponse
	if err := call(k.client, req, k.Source(), k.logger, &out); err != nil {
		return nil, err
	}

	if out.Data == nil || out.Data.Components == nil {
		return nil, invalidResponse(k.Source(), "response has no components")
	}
	comp := out.Data.Components

	var sections int
	if comp.LineItems != nil {
		sections = len(comp.LineItems.Sections)
	}
	if sections != 1 {
		return nil, receiptCountError(sections)
	}
	if comp.Financial == nil || comp.Financial.TotalAmount == "" {
		return nil, invalidResponse(k.Source(), "receipt has no total amount")
	}

	return &receipt.Prediction{
		ImageID:     filename,
		LineItems:   nonNilItems(comp.LineItems.Sections[0].Items),
		TotalAmount: comp.Financial.TotalAmount,
		BrandName:   comp.brandName(),
	}, nil
}

func (c *klippaComponents) brandName() *string {
	if c.Financial != nil && c.Financial.Merchant != nil && c.Financial.Merchant.BrandName != nil {
		return c.Financial.Merchant.BrandName
	}
	if c.Merchant != nil {
		return c.Merchant.BrandName
	}
	return nil
}
