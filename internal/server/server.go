// Package server wires the telemetry pipeline together: ingestion,
// buffering, flushing, regulatory reporting and the offline sentinel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/radwatch/internal/buffer"
	"procodus.dev/radwatch/internal/cache"
	"procodus.dev/radwatch/internal/flush"
	"procodus.dev/radwatch/internal/ingest"
	"procodus.dev/radwatch/internal/report"
	"procodus.dev/radwatch/internal/sentinel"
	"procodus.dev/radwatch/internal/store"
	"procodus.dev/radwatch/pkg/metrics"
	"procodus.dev/radwatch/pkg/mq"
)

// SichuanConfig holds the Sichuan platform connection settings.
type SichuanConfig struct {
	URL          string
	APIKey       string
	SM2PublicKey string
}

// ShandongConfig holds the Shandong platform connection settings.
type ShandongConfig struct {
	Host     string
	Port     int
	Password string
}

// ServerConfig holds the configuration for the pipeline Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration
	RabbitMQURL string
	Exchange    string
	QueueName   string
	BindingKey  string

	// Metrics endpoint port
	MetricsPort int

	// Flush configuration
	FlushPeriod    time.Duration
	FlushBatchSize int

	// OfflineThreshold is read fresh on every sweep.
	OfflineThreshold   func() time.Duration
	OfflineSweepPeriod time.Duration

	// Reporting configuration
	ReportEnabled   bool
	ReportQueueSize int
	ReportWorkers   int
	Sichuan         SichuanConfig
	Shandong        ShandongConfig

	// Count-rate conversion
	CPM ingest.CPMConversion
}

// Server runs the whole telemetry pipeline.
type Server struct {
	logger *slog.Logger
	config *ServerConfig

	db           *gorm.DB
	mqClient     *mq.Client
	ingester     *ingest.Router
	flusher      *flush.Flusher
	reportRouter *report.Router
	watchdog     *sentinel.Sentinel
	invalidation *cache.Controller
	metricsSrv   *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.Exchange == "" {
		return nil, errors.New("exchange cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.BindingKey == "" {
		return nil, errors.New("binding key cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.MetricsPort <= 0 {
		return nil, errors.New("metrics port must be positive")
	}

	if cfg.OfflineThreshold == nil {
		return nil, errors.New("offline threshold source cannot be nil")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// disabledDispatcher swallows report submissions when reporting is
// switched off for the whole deployment.
type disabledDispatcher struct{}

func (disabledDispatcher) Submit(*store.RadiationReading) {}

// Run starts the pipeline and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting pipeline server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	pipelineMetrics := metrics.NewPipelineMetrics("radwatch")
	mqMetrics := metrics.NewMQMetrics("radwatch")

	// Database and repository
	db, err := store.NewDB(&store.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	repo, err := store.NewStore(db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	s.logger.Info("database initialized successfully")

	// In-memory state
	buf, err := buffer.New(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize buffer: %w", err)
	}
	buf.SetMetrics(pipelineMetrics)

	statusCache := cache.NewStatusCache()

	deviceCache, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{
		Logger: s.logger,
		Loader: repo,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize device cache: %w", err)
	}

	configCache, err := cache.NewConfigCache(&cache.ConfigCacheConfig{
		Logger: s.logger,
		Loader: repo,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize config cache: %w", err)
	}

	invalidation, err := cache.NewController(&cache.ControllerConfig{
		Logger:   s.logger,
		Evictors: []cache.Evictor{deviceCache, configCache},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache controller: %w", err)
	}
	s.invalidation = invalidation

	// Message bus
	mqClient := mq.New(
		s.config.Exchange,
		s.config.QueueName,
		s.config.BindingKey,
		s.config.RabbitMQURL,
		s.logger.With(slog.String("component", "mq-client")),
	)
	mqClient.SetMetrics(mqMetrics)
	s.mqClient = mqClient

	// Regulatory reporting
	var dispatcher ingest.Dispatcher = disabledDispatcher{}
	if s.config.ReportEnabled {
		reportRouter, err := s.buildReportRouter(configCache, repo, pipelineMetrics)
		if err != nil {
			return err
		}
		reportRouter.Start(ctx)
		s.reportRouter = reportRouter
		dispatcher = reportRouter
	} else {
		s.logger.Info("regulatory reporting disabled")
	}

	// Ingestion
	ingester, err := ingest.NewRouter(&ingest.RouterConfig{
		Logger:    s.logger,
		MQClient:  mqClient,
		Devices:   deviceCache,
		Registrar: repo,
		Buffer:    buf,
		Status:    statusCache,
		Reports:   dispatcher,
		CPM:       s.config.CPM,
		Metrics:   pipelineMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingestion router: %w", err)
	}
	if err := ingester.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingestion router: %w", err)
	}
	s.ingester = ingester

	// Durable flushing
	flusher, err := flush.New(&flush.Config{
		Logger:    s.logger,
		Buffer:    buf,
		Sink:      repo,
		Period:    s.config.FlushPeriod,
		BatchSize: s.config.FlushBatchSize,
		Metrics:   pipelineMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize flusher: %w", err)
	}
	flusher.Start(ctx)
	s.flusher = flusher

	// Offline sentinel
	watchdog, err := sentinel.New(&sentinel.Config{
		Logger:      s.logger,
		Devices:     repo,
		Alerts:      repo,
		Status:      statusCache,
		Threshold:   s.config.OfflineThreshold,
		SweepPeriod: s.config.OfflineSweepPeriod,
		Invalidator: invalidation,
		Metrics:     pipelineMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize offline sentinel: %w", err)
	}
	watchdog.Start(ctx)
	s.watchdog = watchdog

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsErr := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics", "addr", s.metricsSrv.Addr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- fmt.Errorf("metrics server error: %w", err)
		}
		close(metricsErr)
	}()

	s.logger.Info("pipeline server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-metricsErr:
		if err != nil {
			s.logger.Error("metrics server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

func (s *Server) buildReportRouter(configs report.ConfigSource, logs report.LogSink, m *metrics.PipelineMetrics) (*report.Router, error) {
	sichuan, err := report.NewSichuanReporter(&report.SichuanConfig{
		Logger:       s.logger,
		URL:          s.config.Sichuan.URL,
		APIKey:       s.config.Sichuan.APIKey,
		SM2PublicKey: s.config.Sichuan.SM2PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sichuan reporter: %w", err)
	}

	shandong, err := report.NewShandongReporter(&report.ShandongConfig{
		Logger:   s.logger,
		Host:     s.config.Shandong.Host,
		Port:     s.config.Shandong.Port,
		Password: s.config.Shandong.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize shandong reporter: %w", err)
	}

	reportRouter, err := report.NewRouter(&report.RouterConfig{
		Logger:    s.logger,
		Configs:   configs,
		Logs:      logs,
		Sichuan:   sichuan,
		Shandong:  shandong,
		QueueSize: s.config.ReportQueueSize,
		Workers:   s.config.ReportWorkers,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize report router: %w", err)
	}
	return reportRouter, nil
}

// Shutdown gracefully shuts down the pipeline. Ingestion stops first so no
// new records arrive, then a final flush drains what is buffered.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down pipeline server")

	var shutdownErr error

	if s.ingester != nil {
		s.logger.Info("stopping ingestion router")
		if err := s.ingester.Stop(); err != nil {
			s.logger.Error("failed to stop ingestion router", "error", err)
			shutdownErr = fmt.Errorf("ingestion shutdown error: %w", err)
		}
	}

	if s.flusher != nil {
		s.logger.Info("stopping flusher and draining buffer")
		s.flusher.Stop()
		s.flusher.RunOnce(context.Background())
	}

	if s.reportRouter != nil {
		s.logger.Info("stopping report router")
		s.reportRouter.Stop()
	}

	if s.watchdog != nil {
		s.logger.Info("stopping offline sentinel")
		s.watchdog.Stop()
	}

	if s.invalidation != nil {
		s.invalidation.Wait()
	}

	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop metrics server", "error", err)
		}
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("pipeline server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("pipeline server shutdown completed successfully")
	return nil
}
