// Package config provides configuration loading and management for the image sync pipeline.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Father1993/PIM-Image-Management/internal/telemetry"
)

// EnvPrefix prefixes the environment variables owned by this tool
const EnvPrefix = "PIM_SYNC"

const (
	// LedgerTypeFile keeps the ledger in a journal plus snapshot on local disk
	LedgerTypeFile = "file"

	// LedgerTypeDatabase keeps the ledger in the Postgres sync_ledger table
	LedgerTypeDatabase = "database"

	// LedgerTypeSQLite keeps the ledger in an embedded SQLite database
	LedgerTypeSQLite = "sqlite"

	// LedgerTypeMemory keeps the ledger in memory only
	LedgerTypeMemory = "memory"
)

const (
	// BucketTypeLocal stores optimized images in a local directory
	BucketTypeLocal = "local"

	// BucketTypeSupabase stores optimized images in Supabase Storage
	BucketTypeSupabase = "supabase"
)

// Defaults applied by the Get* accessors
const (
	DefaultBatchSize      = 1000
	DefaultConcurrency    = 100
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBatchTimeout   = 30 * time.Minute
	DefaultPageSize       = 500
	DefaultPreviewLimit   = 5

	DefaultPIMTimeout      = 30 * time.Second
	DefaultTokenTTL        = time.Hour
	DefaultRefreshSkew     = time.Minute
	DefaultImgproxyTimeout = 60 * time.Second

	DefaultLedgerPath     = "data/ledger"
	DefaultStatusDir      = "data/status"
	DefaultSupabaseBucket = "optimized"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path    string
	envFile string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// WithEnvFile loads environment variables from a dotenv file before applying env overrides.
// A missing file is not an error.
func WithEnvFile(path string) Option {
	return func(cfg *loaderConfig) error {
		cfg.envFile = path
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	PIM       PIMConfig         `yaml:"pim"`
	Imgproxy  ImgproxyConfig    `yaml:"imgproxy"`
	Bucket    *BucketConfig     `yaml:"bucket,omitempty"`
	Database  *DatabaseConfig   `yaml:"database,omitempty"`
	Ledger    LedgerConfig      `yaml:"ledger"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// PIMConfig defines how to reach and authenticate against the catalog backend
type PIMConfig struct {
	// BaseURL is the API root, e.g. https://pim.example.com/api/v1 (env PIM_API_URL)
	BaseURL string `yaml:"baseURL"`

	// Login is the sign-in user (env PIM_LOGIN)
	Login string `yaml:"login"`

	// PasswordFile is the path to a file containing the sign-in password.
	// Falls back to the PIM_PASSWORD environment variable.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// ImageBaseURL prefixes picture names returned by the product scroll (env PIM_IMAGE_URL)
	ImageBaseURL string `yaml:"imageBaseURL,omitempty"`

	// Timeout is the per-request timeout (env PIM_HTTP_TIMEOUT, seconds or duration)
	Timeout string `yaml:"timeout,omitempty"`

	// TokenTTL is how long a freshly issued token is assumed valid
	TokenTTL string `yaml:"tokenTTL,omitempty"`

	// RefreshSkew is how long before expiry a token is proactively refreshed
	RefreshSkew string `yaml:"refreshSkew,omitempty"`
}

// ImgproxyConfig defines the transformation service endpoint
type ImgproxyConfig struct {
	// BaseURL is the imgproxy root (env IMGPROXY_URL)
	BaseURL string `yaml:"baseURL"`

	// KeyFile and SaltFile hold hex-encoded signing secrets.
	// Fall back to IMGPROXY_KEY and IMGPROXY_SALT. Unsigned URLs are used when both are empty.
	KeyFile  string `yaml:"keyFile,omitempty"`
	SaltFile string `yaml:"saltFile,omitempty"`

	// Timeout is the per-request timeout
	Timeout string `yaml:"timeout,omitempty"`

	// PlainSource sends the source URL as plain/<url> instead of base64url
	PlainSource bool `yaml:"plainSource,omitempty"`

	// ProbeSource checks the source with HEAD before transforming, retrying with a lowercase extension
	ProbeSource bool `yaml:"probeSource,omitempty"`
}

// BucketConfig defines the intermediate store for optimized images
type BucketConfig struct {
	Type     string          `yaml:"type"`
	Local    *LocalBucket    `yaml:"local,omitempty"`
	Supabase *SupabaseBucket `yaml:"supabase,omitempty"`
}

// LocalBucket writes objects under a directory
type LocalBucket struct {
	Path string `yaml:"path"`
	// PublicBaseURL is prefixed to object keys to form public URLs
	PublicBaseURL string `yaml:"publicBaseURL,omitempty"`
}

// SupabaseBucket writes objects through the Supabase Storage REST API
type SupabaseBucket struct {
	// URL is the project URL (env SUPABASE_URL)
	URL string `yaml:"url"`
	// Bucket defaults to "optimized"
	Bucket string `yaml:"bucket,omitempty"`
	// KeyFile holds the service key; falls back to SUPABASE_KEY
	KeyFile string `yaml:"keyFile,omitempty"`
}

// LedgerConfig selects the progress store backend
type LedgerConfig struct {
	// Type is one of file, database, sqlite, memory. Defaults to file.
	Type string `yaml:"type,omitempty"`
	// Path is the ledger directory (file) or database file (sqlite)
	Path string `yaml:"path,omitempty"`
	// StatusDir holds the last-run status of every pass. Defaults to data/status.
	StatusDir string `yaml:"statusDir,omitempty"`
}

// PipelineConfig tunes the batch scheduler
type PipelineConfig struct {
	BatchSize      int    `yaml:"batchSize,omitempty"`
	Concurrency    int    `yaml:"concurrency,omitempty"`
	MaxAttempts    int    `yaml:"maxAttempts,omitempty"`
	InitialBackoff string `yaml:"initialBackoff,omitempty"`
	MaxBackoff     string `yaml:"maxBackoff,omitempty"`
	BatchTimeout   string `yaml:"batchTimeout,omitempty"`
	PageSize       int    `yaml:"pageSize,omitempty"`
	PreviewLimit   int    `yaml:"previewLimit,omitempty"`
}

// LoadConfig loads configuration from an optional YAML file, then applies environment overrides.
// Without WithConfigPath the configuration comes from the environment alone.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.envFile != "" {
		if err := godotenv.Load(loaderCfg.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	var config Config
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnv fills empty fields from the environment
func (c *Config) applyEnv() {
	setFromEnv(&c.PIM.BaseURL, "PIM_API_URL")
	setFromEnv(&c.PIM.Login, "PIM_LOGIN")
	setFromEnv(&c.PIM.ImageBaseURL, "PIM_IMAGE_URL")
	setFromEnv(&c.PIM.Timeout, "PIM_HTTP_TIMEOUT")
	setFromEnv(&c.Imgproxy.BaseURL, "IMGPROXY_URL")

	if c.Bucket != nil && c.Bucket.Supabase != nil {
		setFromEnv(&c.Bucket.Supabase.URL, "SUPABASE_URL")
	}
}

func setFromEnv(field *string, key string) {
	if *field != "" {
		return
	}
	if v := os.Getenv(key); v != "" {
		*field = v
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if c.PIM.BaseURL != "" {
		if err := validateURL(c.PIM.BaseURL, "pim.baseURL"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Imgproxy.BaseURL != "" {
		if err := validateURL(c.Imgproxy.BaseURL, "imgproxy.baseURL"); err != nil {
			errs = append(errs, err)
		}
	}

	for field, value := range map[string]string{
		"pim.timeout":             c.PIM.Timeout,
		"pim.tokenTTL":            c.PIM.TokenTTL,
		"pim.refreshSkew":         c.PIM.RefreshSkew,
		"imgproxy.timeout":        c.Imgproxy.Timeout,
		"pipeline.initialBackoff": c.Pipeline.InitialBackoff,
		"pipeline.maxBackoff":     c.Pipeline.MaxBackoff,
		"pipeline.batchTimeout":   c.Pipeline.BatchTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := parseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s must be a valid duration (e.g., '30s', '1m'): %w", field, err))
		}
	}

	if err := c.Pipeline.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ledger.validate(c.Database); err != nil {
		errs = append(errs, err)
	}
	if err := c.Bucket.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (p *PipelineConfig) validate() error {
	for field, value := range map[string]int{
		"pipeline.batchSize":    p.BatchSize,
		"pipeline.concurrency":  p.Concurrency,
		"pipeline.maxAttempts":  p.MaxAttempts,
		"pipeline.pageSize":     p.PageSize,
		"pipeline.previewLimit": p.PreviewLimit,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", field, value)
		}
	}
	return nil
}

func (l *LedgerConfig) validate(db *DatabaseConfig) error {
	switch l.GetType() {
	case LedgerTypeFile, LedgerTypeSQLite, LedgerTypeMemory:
		return nil
	case LedgerTypeDatabase:
		if db == nil {
			return fmt.Errorf("ledger.type %q requires a database section", LedgerTypeDatabase)
		}
		return nil
	default:
		return fmt.Errorf("ledger.type must be one of file, database, sqlite, memory, got %q", l.Type)
	}
}

func (b *BucketConfig) validate() error {
	if b == nil {
		return nil
	}
	switch b.Type {
	case BucketTypeLocal:
		if b.Local == nil || b.Local.Path == "" {
			return fmt.Errorf("bucket.local.path is required for bucket type %q", BucketTypeLocal)
		}
	case BucketTypeSupabase:
		if b.Supabase == nil || b.Supabase.URL == "" {
			return fmt.Errorf("bucket.supabase.url is required for bucket type %q", BucketTypeSupabase)
		}
		return validateURL(b.Supabase.URL, "bucket.supabase.url")
	default:
		return fmt.Errorf("bucket.type must be local or supabase, got %q", b.Type)
	}
	return nil
}

func validateURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}

// parseDuration accepts Go durations and bare numbers of seconds
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := parseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func intOr(value, def int) int {
	if value <= 0 {
		return def
	}
	return value
}

// readSecret reads a secret from file, falling back to the named environment variable
func readSecret(file, envKey string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", file, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no secret configured: set a file path or the %s environment variable", envKey)
}
