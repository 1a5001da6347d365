package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSource is returned for selectors outside the supported set.
var ErrUnknownSource = errors.New("unknown prediction source")

// Source identifies the OCR provider a prediction is requested from.
type Source int

const (
	SourceUnknown Source = iota
	SourceAsprise
	SourceKlippa
)

var sourceNames = map[Source]string{
	SourceAsprise: "asprise",
	SourceKlippa:  "klippa",
}

// Sources lists every supported provider.
func Sources() []Source {
	return []Source{SourceAsprise, SourceKlippa}
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSource maps a caller-supplied selector to a Source. Matching ignores
// case and surrounding whitespace.
func ParseSource(value string) (Source, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for src, name := range sourceNames {
		if name == v {
			return src, nil
		}
	}
	return SourceUnknown, fmt.Errorf("%w: %q", ErrUnknownSource, value)
}

// LineItem is one receipt line exactly as the provider reported it.
type LineItem map[string]any

// Prediction is the provider-independent result of reading one receipt.
// Amounts keep the provider's literal number representation.
type Prediction struct {
	ImageID     string       `json:"image_id"`
	LineItems   []LineItem   `json:"line_items"`
	TotalAmount json.Number  `json:"total_amount"`
	TaxAmount   *json.Number `json:"tax_amount,omitempty"`
	BrandName   *string      `json:"brand_name,omitempty"`
}
