package handlers

import (
	"github.com/snellie/receipt-gateway/internal/receipt"
)

type routeDoc struct {
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Summary   string         `json:"summary"`
	Fields    []string       `json:"fields,omitempty"`
	Responses map[int]string `json:"responses"`
}

type apiDocument struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version,omitempty"`
	Sources     []string   `json:"prediction_sources"`
	Routes      []routeDoc `json:"routes"`
}

func apiDoc(opts Options) apiDocument {
	sources := make([]string, 0, len(receipt.Sources()))
	for _, s := range receipt.Sources() {
		sources = append(sources, s.String())
	}

	predict := map[int]string{
		200: "prediction",
		400: "missing file, non-image upload or unknown prediction_source",
		413: "upload too large",
		502: "prediction provider failed",
		504: "prediction provider timed out",
		500: "unexpected failure",
	}
	if opts.Verifier != nil {
		predict[401] = "missing or invalid bearer token"
		if opts.RequiredRole != "" {
			predict[403] = "caller lacks the " + opts.RequiredRole + " role"
		}
	}
	if opts.Limiter != nil {
		predict[429] = "rate limit exceeded"
	}

	routes := []routeDoc{
		{Method: "GET", Path: "/", Summary: "welcome message", Responses: map[int]string{200: "welcome"}},
		{
			Method:    "POST",
			Path:      "/predict-items",
			Summary:   "extract line items and totals from a receipt image",
			Fields:    []string{"file (multipart, image/*)", "prediction_source (optional, default " + opts.DefaultSource.String() + ")"},
			Responses: predict,
		},
		{
			Method:    "GET",
			Path:      "/predictions/{id}",
			Summary:   "audit record of a prediction request",
			Responses: map[int]string{200: "record", 404: "unknown id", 503: "history not configured"},
		},
	}
	if opts.EnableMetrics {
		routes = append(routes, routeDoc{
			Method:    "GET",
			Path:      "/metrics",
			Summary:   "aggregate prediction statistics",
			Responses: map[int]string{200: "summary", 503: "metrics require a database"},
		})
	}

	return apiDocument{
		Title:       opts.AppName,
		Description: opts.AppDescription,
		Version:     opts.AppVersion,
		Sources:     sources,
		Routes:      routes,
	}
}
