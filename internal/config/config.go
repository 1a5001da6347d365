// Package config loads gateway settings from flags, SNELLIE_* environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/snellie/receipt-gateway/internal/receipt"
)

// EnvPrefix prefixes every environment variable, e.g. SNELLIE_LISTEN_ADDR.
const EnvPrefix = "SNELLIE"

const (
	StorageNone = "none"
	StorageS3   = "s3"
	StorageBolt = "bolt"

	AuthFirebase = "firebase"
	AuthJWT      = "jwt"
)

type Server struct {
	ListenAddr      string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	MaxUploadSize   int64
	HealthCheck     bool
}

type App struct {
	Name          string
	Description   string
	Version       string
	EnableDocs    bool
	EnableMetrics bool
}

type CORS struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
}

type Providers struct {
	DefaultSource     receipt.Source
	Timeout           time.Duration
	AspriseEndpoint   string
	AspriseClientID   string
	AspriseRecognizer string
	AspriseRefNo      string
	KlippaEndpoint    string
	KlippaAPIKey      string
	KlippaPresetSlug  string
}

// KlippaConfigured reports whether Klippa calls can succeed at all.
func (p Providers) KlippaConfigured() bool {
	return p.KlippaEndpoint != "" && p.KlippaAPIKey != ""
}

type Auth struct {
	Enabled              bool
	Mode                 string
	FirebaseProjectID    string
	FirebaseCredentials  string
	JWTSecret            string
	JWTAudience          string
	JWTIssuer            string
	AllowUnverifiedEmail bool
	RequiredRole         string
}

type Storage struct {
	Backend            string
	S3Bucket           string
	S3Region           string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	S3Endpoint         string
	BoltPath           string
	CompressionQuality int
	MaxDimension       int
}

type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Config is the full gateway configuration.
type Config struct {
	LogLevel    string
	DatabaseDSN string
	RedisAddr   string

	Server    Server
	App       App
	CORS      CORS
	Providers Providers
	Auth      Auth
	Storage   Storage
	RateLimit RateLimit
}

// Load parses args and the environment. envFile is read first when present;
// variables already set in the process win over it.
func Load(args []string, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	flags, bind := define()
	if err := ff.Parse(flags, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return nil, err
	}

	cfg, err := bind()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage renders the flag help text.
func Usage() string {
	flags, _ := define()
	return fmt.Sprint(ffhelp.Flags(flags))
}

// define declares every flag and returns a function that reads the parsed
// values into a Config.
func define() (*ff.FlagSet, func() (*Config, error)) {
	fs := ff.NewFlagSet("receipt-gateway")
	var (
		logLevel    = fs.StringLong("log-level", "info", "log level: debug, info, warn or error")
		databaseDSN = fs.StringLong("database-dsn", "", "Postgres DSN for the prediction audit log (optional)")
		redisAddr   = fs.StringLong("redis-addr", "", "redis address for rate limiting (optional)")

		listenAddr      = fs.StringLong("listen-addr", ":8080", "HTTP listen address")
		grpcAddr        = fs.StringLong("grpc-addr", ":9090", "gRPC health listen address, empty to disable")
		shutdownTimeout = fs.DurationLong("shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
		maxUpload       = fs.IntLong("max-upload-size", 10<<20, "maximum upload size in bytes")
		healthCheck     = fs.BoolLong("healthcheck", "check the gRPC health service and exit")

		appName       = fs.StringLong("app-name", "Snellie OCR", "application name")
		appDesc       = fs.StringLong("app-description", "Receipt line item prediction gateway", "application description")
		appVersion    = fs.StringLong("app-version", "1.0.0", "application version")
		enableDocs    = fs.BoolLong("enable-docs", "serve the API description at /docs")
		enableMetrics = fs.BoolLong("enable-metrics", "serve aggregate statistics at /metrics")

		corsOrigins = fs.StringLong("cors-allow-origins", "*", "comma-separated allowed origins, empty to disable CORS")
		corsMethods = fs.StringLong("cors-allow-methods", "GET,POST,OPTIONS", "comma-separated allowed methods")
		corsHeaders = fs.StringLong("cors-allow-headers", "Authorization,Content-Type,Origin", "comma-separated allowed headers")

		defaultSource     = fs.StringLong("default-source", "asprise", "prediction source used when a request names none")
		providerTimeout   = fs.DurationLong("provider-timeout", 10*time.Second, "timeout for a single provider call")
		aspriseEndpoint   = fs.StringLong("asprise-endpoint", "https://ocr.asprise.com/api/v1/receipt", "Asprise receipt API URL")
		aspriseClientID   = fs.StringLong("asprise-client-id", "TEST", "Asprise client id")
		aspriseRecognizer = fs.StringLong("asprise-recognizer", "auto", "Asprise recognizer: auto, US, CA, JP or SG")
		aspriseRefNo      = fs.StringLong("asprise-ref-no", "ocr_go_gateway", "Asprise reference number")
		klippaEndpoint    = fs.StringLong("klippa-endpoint", "", "Klippa parse API URL")
		klippaAPIKey      = fs.StringLong("klippa-api-key", "", "Klippa API key")
		klippaPreset      = fs.StringLong("klippa-preset-slug", "snellie", "Klippa preset slug")

		authEnabled          = fs.BoolLong("auth-enabled", "require a bearer token on prediction routes")
		authMode             = fs.StringLong("auth-mode", AuthFirebase, "token verifier: firebase or jwt")
		firebaseProjectID    = fs.StringLong("firebase-project-id", "", "Firebase project id")
		firebaseCredentials  = fs.StringLong("firebase-credentials-file", "", "Firebase service account JSON (default credentials when empty)")
		jwtSecret            = fs.StringLong("jwt-secret", "", "HMAC secret for jwt mode")
		jwtAudience          = fs.StringLong("jwt-audience", "", "expected token audience")
		jwtIssuer            = fs.StringLong("jwt-issuer", "", "expected token issuer")
		allowUnverifiedEmail = fs.BoolLong("allow-unverified-email", "accept tokens whose email is not verified")
		requiredRole         = fs.StringLong("required-role", "", "role a caller must hold, empty for none")

		storageBackend = fs.StringLong("storage-backend", StorageNone, "prediction archive: none, s3 or bolt")
		s3Bucket       = fs.StringLong("s3-bucket", "", "S3 bucket name")
		s3Region       = fs.StringLong("s3-region", "", "S3 region")
		s3AccessKey    = fs.StringLong("s3-access-key-id", "", "S3 access key id (default credential chain when empty)")
		s3SecretKey    = fs.StringLong("s3-secret-access-key", "", "S3 secret access key")
		s3Endpoint     = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint override")
		boltPath       = fs.StringLong("bolt-path", "predictions.db", "bbolt archive file")
		quality        = fs.IntLong("compression-quality", 50, "JPEG quality of archived images (1-100)")
		maxDimension   = fs.IntLong("compression-max-dimension", 0, "longest edge of archived images, 0 keeps the original size")

		rateLimitRequests = fs.IntLong("rate-limit-requests", 100, "requests allowed per client per window, 0 disables")
		rateLimitWindow   = fs.DurationLong("rate-limit-window", time.Minute, "rate limit window")
	)

	bind := func() (*Config, error) {
		source, err := receipt.ParseSource(*defaultSource)
		if err != nil {
			return nil, fmt.Errorf("default-source: %w", err)
		}

		return &Config{
			LogLevel:    *logLevel,
			DatabaseDSN: strings.TrimSpace(*databaseDSN),
			RedisAddr:   strings.TrimSpace(*redisAddr),
			Server: Server{
				ListenAddr:      *listenAddr,
				GRPCAddr:        strings.TrimSpace(*grpcAddr),
				ShutdownTimeout: *shutdownTimeout,
				MaxUploadSize:   int64(*maxUpload),
				HealthCheck:     *healthCheck,
			},
			App: App{
				Name:          *appName,
				Description:   *appDesc,
				Version:       *appVersion,
				EnableDocs:    *enableDocs,
				EnableMetrics: *enableMetrics,
			},
			CORS: CORS{
				AllowOrigins: splitList(*corsOrigins),
				AllowMethods: splitList(*corsMethods),
				AllowHeaders: splitList(*corsHeaders),
			},
			Providers: Providers{
				DefaultSource:     source,
				Timeout:           *providerTimeout,
				AspriseEndpoint:   *aspriseEndpoint,
				AspriseClientID:   *aspriseClientID,
				AspriseRecognizer: *aspriseRecognizer,
				AspriseRefNo:      *aspriseRefNo,
				KlippaEndpoint:    *klippaEndpoint,
				KlippaAPIKey:      *klippaAPIKey,
				KlippaPresetSlug:  *klippaPreset,
			},
			Auth: Auth{
				Enabled:              *authEnabled,
				Mode:                 strings.ToLower(strings.TrimSpace(*authMode)),
				FirebaseProjectID:    *firebaseProjectID,
				FirebaseCredentials:  *firebaseCredentials,
				JWTSecret:            *jwtSecret,
				JWTAudience:          *jwtAudience,
				JWTIssuer:            *jwtIssuer,
				AllowUnverifiedEmail: *allowUnverifiedEmail,
				RequiredRole:         strings.TrimSpace(*requiredRole),
			},
			Storage: Storage{
				Backend:            strings.ToLower(strings.TrimSpace(*storageBackend)),
				S3Bucket:           *s3Bucket,
				S3Region:           *s3Region,
				S3AccessKeyID:      *s3AccessKey,
				S3SecretAccessKey:  *s3SecretKey,
				S3Endpoint:         *s3Endpoint,
				BoltPath:           *boltPath,
				CompressionQuality: *quality,
				MaxDimension:       *maxDimension,
			},
			RateLimit: RateLimit{
				Requests: *rateLimitRequests,
				Window:   *rateLimitWindow,
			},
		}, nil
	}

	return fs, bind
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("max-upload-size must be positive"))
	}
	if c.Providers.Timeout <= 0 {
		errs = append(errs, errors.New("provider-timeout must be positive"))
	}
	if c.Providers.DefaultSource == receipt.SourceKlippa && !c.Providers.KlippaConfigured() {
		errs = append(errs, errors.New("klippa-endpoint and klippa-api-key are required when klippa is the default source"))
	}

	for _, origin := range c.CORS.AllowOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("cors-allow-origins: bad origin %q, expected \"*\" or an http:// or https:// origin", origin))
		}
	}

	if c.Auth.Enabled {
		switch c.Auth.Mode {
		case AuthFirebase:
			if c.Auth.FirebaseProjectID == "" {
				errs = append(errs, errors.New("firebase-project-id is required for firebase auth"))
			}
		case AuthJWT:
			if strings.TrimSpace(c.Auth.JWTSecret) == "" {
				errs = append(errs, errors.New("jwt-secret is required for jwt auth"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown auth-mode %q", c.Auth.Mode))
		}
	}

	switch c.Storage.Backend {
	case StorageNone:
	case StorageS3:
		if c.Storage.S3Bucket == "" || c.Storage.S3Region == "" {
			errs = append(errs, errors.New("s3-bucket and s3-region are required for s3 storage"))
		}
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			errs = append(errs, errors.New("bolt-path is required for bolt storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage-backend %q", c.Storage.Backend))
	}
	if q := c.Storage.CompressionQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("compression-quality %d out of range 1-100", q))
	}

	if c.RateLimit.Requests < 0 {
		errs = append(errs, errors.New("rate-limit-requests must not be negative"))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate-limit-window must be positive"))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
