package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/auth"
	"github.com/snellie/receipt-gateway/internal/logging"
	"github.com/snellie/receipt-gateway/internal/ratelimit"
	"github.com/snellie/receipt-gateway/internal/receipt"
	"github.com/snellie/receipt-gateway/internal/usecase"
)

// MaxUploadSize is the default request body limit for uploads.
const MaxUploadSize = 10 << 20

// CORSConfig lists what cross-origin callers may do. No origins disables
// CORS handling; "*" admits any origin.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
}

// Options configures the optional parts of the HTTP surface.
type Options struct {
	AppName        string
	AppDescription string
	AppVersion     string
	DefaultSource  receipt.Source
	MaxUploadSize  int64
	EnableDocs     bool
	EnableMetrics  bool

	// Verifier enables bearer authentication on prediction routes.
	Verifier     auth.Verifier
	RequiredRole string
	Limiter      *ratelimit.Limiter
}

// NewEngine returns a gin engine with recovery, request ids, access logging
// and CORS installed.
func NewEngine(logger *zap.Logger, corsCfg CORSConfig) *gin.Engine {
	r := gin.New()
	r.Use(
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			logger.Error("panic recovered", zap.Any("panic", recovered), zap.String("request_id", logging.RequestIDFromGin(c)))
			c.AbortWithStatusJSON(apperr.Response(fmt.Errorf("%v", recovered)))
		}),
		logging.RequestID(),
		logging.AccessLog(logger),
	)
	if len(corsCfg.AllowOrigins) > 0 {
		r.Use(cors.New(corsCfg.toGin()))
	}
	return r
}

func (c CORSConfig) toGin() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowCredentials = true
	cfg.ExposeHeaders = []string{logging.RequestIDHeader}
	if len(c.AllowMethods) > 0 {
		cfg.AllowMethods = c.AllowMethods
	}
	if len(c.AllowHeaders) > 0 {
		cfg.AllowHeaders = c.AllowHeaders
	}
	for _, o := range c.AllowOrigins {
		if o == "*" {
			// Echo the origin; a literal "*" is rejected by browsers
			// alongside credentials.
			cfg.AllowOriginFunc = func(string) bool { return true }
			return cfg
		}
	}
	cfg.AllowOrigins = c.AllowOrigins
	return cfg
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = MaxUploadSize
	}
	if opts.DefaultSource == receipt.SourceUnknown {
		opts.DefaultSource = receipt.SourceAsprise
	}
	router.MaxMultipartMemory = opts.MaxUploadSize

	router.NoRoute(func(c *gin.Context) {
		c.JSON(apperr.Response(apperr.New(apperr.NotFound, "Not Found")))
	})

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Welcome to %s API!", opts.AppName)})
	})

	guarded := router.Group("/", guards(opts)...)

	guarded.POST("/predict-items", func(c *gin.Context) {
		in, err := readPredictInput(c, opts)
		if err != nil {
			c.AbortWithStatusJSON(apperr.Response(err))
			return
		}

		prediction, err := uc.Predict(c.Request.Context(), in)
		if err != nil {
			c.AbortWithStatusJSON(apperr.Response(err))
			return
		}
		c.JSON(http.StatusOK, prediction)
	})

	guarded.GET("/predictions/:id", func(c *gin.Context) {
		log, err := uc.GetResult(c.Request.Context(), auth.SubjectFromGin(c), c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(apperr.Response(err))
			return
		}
		c.JSON(http.StatusOK, log)
	})

	if opts.EnableMetrics {
		router.GET("/metrics", func(c *gin.Context) {
			summary, err := uc.GetMetricsSummary(c.Request.Context())
			if err != nil {
				c.AbortWithStatusJSON(apperr.Response(err))
				return
			}
			c.JSON(http.StatusOK, summary)
		})
	}

	if opts.EnableDocs {
		doc := apiDoc(opts)
		router.GET("/docs", func(c *gin.Context) {
			c.JSON(http.StatusOK, doc)
		})
	}
}

func guards(opts Options) []gin.HandlerFunc {
	var chain []gin.HandlerFunc
	if opts.Verifier != nil {
		chain = append(chain, auth.Middleware(opts.Verifier))
		if opts.RequiredRole != "" {
			chain = append(chain, auth.RequireRole(opts.RequiredRole))
		}
	}
	if opts.Limiter != nil {
		chain = append(chain, opts.Limiter.Middleware(clientKey))
	}
	return chain
}

// clientKey buckets rate limits by subject, falling back to the client IP.
func clientKey(c *gin.Context) string {
	if subject := auth.SubjectFromGin(c); subject != "" {
		return "user:" + subject
	}
	return "ip:" + c.ClientIP()
}

// readPredictInput validates the upload before anything leaves the process.
func readPredictInput(c *gin.Context, opts Options) (usecase.PredictInput, error) {
	tooLarge := apperr.Newf(apperr.TooLarge, "File exceeds the maximum upload size of %d bytes", opts.MaxUploadSize)
	if c.Request.ContentLength > opts.MaxUploadSize {
		return usecase.PredictInput{}, tooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadSize)

	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return usecase.PredictInput{}, tooLarge
		}
		return usecase.PredictInput{}, apperr.Wrap(apperr.InvalidArgument, "file is required", err)
	}

	contentType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return usecase.PredictInput{}, apperr.New(apperr.InvalidArgument, "File must be an image")
	}

	source := opts.DefaultSource
	raw := c.PostForm("prediction_source")
	if raw == "" {
		raw = c.Query("prediction_source")
	}
	if strings.TrimSpace(raw) != "" {
		parsed, err := receipt.ParseSource(raw)
		if err != nil {
			return usecase.PredictInput{}, apperr.Wrap(apperr.InvalidArgument, "Invalid OCR source provided: "+raw, err)
		}
		source = parsed
	}

	src, err := fh.Open()
	if err != nil {
		return usecase.PredictInput{}, apperr.Wrap(apperr.InvalidArgument, "unable to open file", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return usecase.PredictInput{}, fmt.Errorf("reading upload: %w", err)
	}

	return usecase.PredictInput{
		Subject:     auth.SubjectFromGin(c),
		Source:      source,
		Filename:    fh.Filename,
		ContentType: contentType,
		Image:       data,
	}, nil
}
