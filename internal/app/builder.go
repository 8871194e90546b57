package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Father1993/PIM-Image-Management/internal/api"
	"github.com/Father1993/PIM-Image-Management/internal/bucket"
	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/db"
	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/pim"
	"github.com/Father1993/PIM-Image-Management/internal/pipeline"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/status"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
	"github.com/Father1993/PIM-Image-Management/internal/telemetry"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	tracerName = "github.com/Father1993/PIM-Image-Management/pipeline"
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig collects everything NewSyncApp needs. Component overrides are
// used as given; everything else is built from the configuration.
type syncAppConfig struct {
	config *config.Config
	mode   pipeline.Mode

	limit       int
	concurrency int
	retryFailed bool

	// Optional component overrides (primarily for testing)
	records     records.Store
	ledger      ledger.Store
	sink        records.Sink
	transformer pipeline.Transformer
	uploader    pipeline.Uploader
	fetcher     pipeline.BlobFetcher
	products    pipeline.ProductSource
	telemetry   *telemetry.Telemetry
	status      status.StatusPersistence

	// Status server options; an empty address disables the server
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		mode:           pipeline.ModeFull,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return cfg, nil
}

// NewSyncApp builds the components of one pass
func NewSyncApp(ctx context.Context, opts ...SyncAppOptions) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components := &AppComponents{}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if !cleanupNeeded {
			return
		}
		if components.Ledger != nil && cfg.ledger == nil {
			_ = components.Ledger.Close()
		}
		cleanup()
		if components.Telemetry != nil && cfg.telemetry == nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
			defer cancel()
			_ = components.Telemetry.Shutdown(shutdownCtx)
		}
	}()

	if err := buildTelemetry(ctx, cfg, components); err != nil {
		return nil, err
	}

	if err := buildStorage(ctx, cfg, components, &cleanups); err != nil {
		return nil, err
	}
	if err := buildClients(ctx, cfg, components); err != nil {
		return nil, err
	}

	sa := &SyncApp{
		config:        cfg.config,
		mode:          cfg.mode,
		runID:         uuid.NewString(),
		components:    components,
		status:        cfg.status,
		ownsTelemetry: cfg.telemetry == nil,
	}
	// Preview leaves no trace, not even a run status
	if sa.status == nil && cfg.mode != pipeline.ModePreview {
		sa.status = status.NewFileStatusPersistence(cfg.config.Ledger.GetStatusDir())
	}

	tracer := components.Telemetry.Tracer(tracerName)
	progress := pipeline.NewProgress()
	if cfg.mode == pipeline.ModeDiscover {
		sa.discoverer = pipeline.NewDiscoverer(components.Products, components.Records, cfg.config.PIM.ImageBaseURL, tracer)
	} else {
		sa.scheduler, err = buildScheduler(cfg, components, tracer, progress, sa.runID)
		if err != nil {
			return nil, err
		}
	}

	if cfg.address != "" {
		sa.httpServer = buildHTTPServer(cfg, progress)
	}

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false
	sa.cleanup = cleanup
	return sa, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithMode selects the pass to run
func WithMode(mode pipeline.Mode) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if _, err := pipeline.ParseMode(string(mode)); err != nil {
			return err
		}
		cfg.mode = mode
		return nil
	}
}

// WithLimit caps the number of items the pass selects. Zero means no limit.
func WithLimit(limit int) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if limit < 0 {
			return fmt.Errorf("limit must not be negative, got %d", limit)
		}
		cfg.limit = limit
		return nil
	}
}

// WithConcurrency overrides pipeline.concurrency
func WithConcurrency(n int) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if n < 0 {
			return fmt.Errorf("concurrency must not be negative, got %d", n)
		}
		cfg.concurrency = n
		return nil
	}
}

// WithRetryFailed resets permanently failed items of the pass before running
func WithRetryFailed(retry bool) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.retryFailed = retry
		return nil
	}
}

// WithStatusAddress enables the status server on addr
func WithStatusAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			cfg.address = ""
			return nil
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		host, port := parts[0], parts[1]
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom status server middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRecordStore allows injecting the image record store (for testing)
func WithRecordStore(s records.Store) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.records = s
		return nil
	}
}

// WithLedgerStore allows injecting the ledger store (for testing)
func WithLedgerStore(s ledger.Store) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.ledger = s
		return nil
	}
}

// WithSink allows injecting the record update sink (for testing)
func WithSink(s records.Sink) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.sink = s
		return nil
	}
}

// WithTransformer allows injecting the transformation client (for testing)
func WithTransformer(t pipeline.Transformer) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.transformer = t
		return nil
	}
}

// WithUploader allows injecting the catalog upload client (for testing)
func WithUploader(u pipeline.Uploader) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.uploader = u
		return nil
	}
}

// WithFetcher allows injecting the optimized blob fetcher (for testing)
func WithFetcher(f pipeline.BlobFetcher) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.fetcher = f
		return nil
	}
}

// WithProductSource allows injecting the catalog product source (for testing)
func WithProductSource(p pipeline.ProductSource) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.products = p
		return nil
	}
}

// WithStatusPersistence overrides where the last-run status of the pass is kept
func WithStatusPersistence(p status.StatusPersistence) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.status = p
		return nil
	}
}

// WithTelemetry sets telemetry providers owned by the caller
func WithTelemetry(t *telemetry.Telemetry) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

func buildTelemetry(ctx context.Context, b *syncAppConfig, c *AppComponents) error {
	c.Telemetry = b.telemetry
	if c.Telemetry == nil {
		tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(b.config.Telemetry))
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.Telemetry = tel
	}

	metrics, err := telemetry.NewPipelineMetrics(c.Telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	c.Metrics = metrics
	return nil
}

// buildStorage opens the record store, ledger and sink. Preview never writes:
// it gets a memory ledger and a discarding sink whatever the configuration says.
func buildStorage(ctx context.Context, b *syncAppConfig, c *AppComponents, cleanups *[]func()) error {
	slog.Info("Initializing storage", "mode", b.mode)

	needsPool := b.records == nil ||
		(b.ledger == nil && b.mode.UsesScheduler() && b.mode != pipeline.ModePreview &&
			b.config.Ledger.GetType() == config.LedgerTypeDatabase)
	if needsPool {
		if b.config.Database == nil {
			return syncerr.Configf("database configuration is required to read image records")
		}
		pool, err := db.NewPool(ctx, b.config.Database)
		if err != nil {
			return syncerr.New(syncerr.KindConfiguration, "database", err)
		}
		c.Pool = pool
		*cleanups = append(*cleanups, pool.Close)
	}

	c.Records = b.records
	if c.Records == nil {
		c.Records = records.NewPostgresStore(c.Pool)
	}

	if !b.mode.UsesScheduler() {
		return nil
	}

	switch {
	case b.ledger != nil:
		c.Ledger = b.ledger
	case b.mode == pipeline.ModePreview:
		c.Ledger = ledger.NewMemoryStore()
	default:
		store, err := ledger.NewStore(ctx, &b.config.Ledger, b.mode.Pass(), c.Pool)
		if err != nil {
			return syncerr.New(syncerr.KindConfiguration, "ledger", err)
		}
		c.Ledger = store
	}

	switch {
	case b.sink != nil:
		c.Sink = b.sink
	case b.mode == pipeline.ModePreview:
		c.Sink = records.DiscardSink{}
	default:
		c.Sink = records.NewBufferedSink(c.Records, records.DefaultSinkBuffer)
	}
	return nil
}

// buildClients creates the network clients the mode needs. A catalog client signs
// in up front so bad credentials stop the run before any item is touched.
func buildClients(ctx context.Context, b *syncAppConfig, c *AppComponents) error {
	c.Transformer, c.Uploader, c.Fetcher, c.Products = b.transformer, b.uploader, b.fetcher, b.products

	if b.mode == pipeline.ModePreview {
		if c.Transformer == nil {
			c.Transformer = imgproxy.NewDryRun(imgproxy.DefaultProfile())
		}
		if c.Uploader == nil {
			c.Uploader = pim.NewDryRun()
		}
		return nil
	}

	stages := b.mode.Stages()
	needsTransformer := c.Transformer == nil && slices.Contains(stages, pipeline.StageTransform)
	needsFetcher := c.Fetcher == nil && len(stages) > 0 && stages[0] == pipeline.StageUpload
	needsCatalog := (c.Uploader == nil && slices.Contains(stages, pipeline.StageUpload)) ||
		(c.Products == nil && b.mode == pipeline.ModeDiscover)

	if needsTransformer || needsFetcher {
		bkt, err := bucket.New(b.config.Bucket)
		if err != nil {
			return syncerr.New(syncerr.KindConfiguration, "bucket", err)
		}
		c.Bucket = bkt
	}
	if needsTransformer {
		client, err := imgproxy.NewClientFromConfig(&b.config.Imgproxy, c.Bucket)
		if err != nil {
			return err
		}
		c.Transformer = client
	}
	if needsFetcher {
		c.Fetcher = pipeline.NewStoredFetcher(c.Bucket, nil)
	}

	if needsCatalog {
		client, err := pim.NewClientFromConfig(&b.config.PIM, c.Metrics)
		if err != nil {
			return err
		}
		if _, err := client.Tokens().Token(ctx); err != nil {
			return syncerr.Configf("PIM sign-in failed: %v", err)
		}
		slog.Info("Signed in to PIM", "base_url", b.config.PIM.BaseURL)
		if c.Uploader == nil {
			c.Uploader = client
		}
		if c.Products == nil {
			c.Products = client
		}
	}
	return nil
}

func buildScheduler(
	b *syncAppConfig,
	c *AppComponents,
	tracer trace.Tracer,
	progress *pipeline.Progress,
	runID string,
) (*pipeline.Scheduler, error) {
	schedCfg := pipeline.ConfigFromPipeline(b.mode, &b.config.Pipeline)
	schedCfg.Limit = b.limit
	schedCfg.RetryFailed = b.retryFailed
	if b.concurrency > 0 {
		schedCfg.Concurrency = b.concurrency
	}
	if b.mode == pipeline.ModePreview && schedCfg.Limit == 0 {
		schedCfg.Limit = b.config.Pipeline.GetPreviewLimit()
	}

	return pipeline.NewScheduler(schedCfg, pipeline.Dependencies{
		Scanner:     records.NewScanner(c.Records, b.config.Pipeline.GetPageSize()),
		Ledger:      c.Ledger,
		Sink:        c.Sink,
		Transformer: c.Transformer,
		Uploader:    c.Uploader,
		Fetcher:     c.Fetcher,
	},
		pipeline.WithTracer(tracer),
		pipeline.WithMetrics(c.Metrics),
		pipeline.WithProgress(progress),
		pipeline.WithRunID(runID),
	)
}

// buildHTTPServer builds the status server with router and middleware
func buildHTTPServer(b *syncAppConfig, progress api.ProgressSource) *http.Server {
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	router := api.NewServer(progress, api.WithMiddlewares(b.middlewares...))
	return &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}
}
