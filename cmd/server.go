package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/radwatch/internal/ingest"
	"procodus.dev/radwatch/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the pipeline server",
	Long: `Run the pipeline server that:
- Consumes device telemetry from RabbitMQ
- Buffers readings and flushes them to PostgreSQL in batches
- Reports radiation readings to the regulatory platforms
- Raises and resolves device offline alerts`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "radwatch", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	serverCmd.Flags().String("exchange", "telemetry", "RabbitMQ topic exchange")
	serverCmd.Flags().String("queue-name", "telemetry-ingest", "RabbitMQ queue bound to the exchange")
	serverCmd.Flags().String("binding-key", "telemetry.#", "Routing pattern the queue is bound with")
	serverCmd.Flags().Int("metrics-port", 9100, "Prometheus metrics port")
	serverCmd.Flags().Duration("flush-period", time.Minute, "Telemetry flush interval")
	serverCmd.Flags().Int("flush-batch-size", 1000, "Maximum records drained per flush")
	serverCmd.Flags().Int("offline-threshold-minutes", 5, "Minutes of silence before a device counts as offline")
	serverCmd.Flags().Duration("offline-sweep-period", time.Minute, "Interval between offline sweeps")
	serverCmd.Flags().Bool("report-enabled", false, "Enable regulatory reporting")
	serverCmd.Flags().Int("report-queue-size", 256, "Report dispatch queue capacity")
	serverCmd.Flags().Int("report-workers", 4, "Report dispatch worker count")
	serverCmd.Flags().String("sichuan-url", "", "Sichuan platform upload URL")
	serverCmd.Flags().String("sichuan-api-key", "", "Sichuan platform API key")
	serverCmd.Flags().String("sichuan-sm2-public-key", "", "Sichuan platform SM2 public key (hex)")
	serverCmd.Flags().String("shandong-host", "", "Shandong platform host")
	serverCmd.Flags().Int("shandong-port", 0, "Shandong platform port")
	serverCmd.Flags().String("shandong-password", "", "Shandong platform access password")
	serverCmd.Flags().Bool("cpm-conversion-enabled", false, "Enable count-rate unit conversion")
	serverCmd.Flags().Float64("cpm-radiation-factor", 1, "Divisor applied to radiation count rates")
	serverCmd.Flags().Float64("cpm-environment-factor", 1, "Divisor applied to environment count rates")

	// Bind flags to viper
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.rabbitmq.exchange", serverCmd.Flags().Lookup("exchange"))
	_ = viper.BindPFlag("server.rabbitmq.queue_name", serverCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("server.rabbitmq.binding_key", serverCmd.Flags().Lookup("binding-key"))
	_ = viper.BindPFlag("server.metrics.port", serverCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("server.flush.period", serverCmd.Flags().Lookup("flush-period"))
	_ = viper.BindPFlag("server.flush.batch_size", serverCmd.Flags().Lookup("flush-batch-size"))
	_ = viper.BindPFlag("server.offline.threshold_minutes", serverCmd.Flags().Lookup("offline-threshold-minutes"))
	_ = viper.BindPFlag("server.offline.sweep_period", serverCmd.Flags().Lookup("offline-sweep-period"))
	_ = viper.BindPFlag("server.report.enabled", serverCmd.Flags().Lookup("report-enabled"))
	_ = viper.BindPFlag("server.report.queue_size", serverCmd.Flags().Lookup("report-queue-size"))
	_ = viper.BindPFlag("server.report.workers", serverCmd.Flags().Lookup("report-workers"))
	_ = viper.BindPFlag("server.report.sichuan.url", serverCmd.Flags().Lookup("sichuan-url"))
	_ = viper.BindPFlag("server.report.sichuan.api_key", serverCmd.Flags().Lookup("sichuan-api-key"))
	_ = viper.BindPFlag("server.report.sichuan.sm2_public_key", serverCmd.Flags().Lookup("sichuan-sm2-public-key"))
	_ = viper.BindPFlag("server.report.shandong.host", serverCmd.Flags().Lookup("shandong-host"))
	_ = viper.BindPFlag("server.report.shandong.port", serverCmd.Flags().Lookup("shandong-port"))
	_ = viper.BindPFlag("server.report.shandong.password", serverCmd.Flags().Lookup("shandong-password"))
	_ = viper.BindPFlag("server.cpm.enabled", serverCmd.Flags().Lookup("cpm-conversion-enabled"))
	_ = viper.BindPFlag("server.cpm.radiation_factor", serverCmd.Flags().Lookup("cpm-radiation-factor"))
	_ = viper.BindPFlag("server.cpm.environment_factor", serverCmd.Flags().Lookup("cpm-environment-factor"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting pipeline service")

	// Create server configuration from viper
	config := &server.ServerConfig{
		Logger:         logger,
		DBHost:         viper.GetString("server.db.host"),
		DBPort:         viper.GetInt("server.db.port"),
		DBUser:         viper.GetString("server.db.user"),
		DBPassword:     viper.GetString("server.db.password"),
		DBName:         viper.GetString("server.db.name"),
		DBSSLMode:      viper.GetString("server.db.sslmode"),
		RabbitMQURL:    viper.GetString("server.rabbitmq.url"),
		Exchange:       viper.GetString("server.rabbitmq.exchange"),
		QueueName:      viper.GetString("server.rabbitmq.queue_name"),
		BindingKey:     viper.GetString("server.rabbitmq.binding_key"),
		MetricsPort:    viper.GetInt("server.metrics.port"),
		FlushPeriod:    viper.GetDuration("server.flush.period"),
		FlushBatchSize: viper.GetInt("server.flush.batch_size"),
		// Re-read each sweep so the threshold can be tuned at runtime
		OfflineThreshold: func() time.Duration {
			return time.Duration(viper.GetInt("server.offline.threshold_minutes")) * time.Minute
		},
		OfflineSweepPeriod: viper.GetDuration("server.offline.sweep_period"),
		ReportEnabled:      viper.GetBool("server.report.enabled"),
		ReportQueueSize:    viper.GetInt("server.report.queue_size"),
		ReportWorkers:      viper.GetInt("server.report.workers"),
		Sichuan: server.SichuanConfig{
			URL:          viper.GetString("server.report.sichuan.url"),
			APIKey:       viper.GetString("server.report.sichuan.api_key"),
			SM2PublicKey: viper.GetString("server.report.sichuan.sm2_public_key"),
		},
		Shandong: server.ShandongConfig{
			Host:     viper.GetString("server.report.shandong.host"),
			Port:     viper.GetInt("server.report.shandong.port"),
			Password: viper.GetString("server.report.shandong.password"),
		},
		CPM: ingest.CPMConversion{
			Enabled:           viper.GetBool("server.cpm.enabled"),
			RadiationFactor:   viper.GetFloat64("server.cpm.radiation_factor"),
			EnvironmentFactor: viper.GetFloat64("server.cpm.environment_factor"),
		},
	}

	// Create and run server
	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create pipeline server", "error", err)
		return err
	}

	logger.Info("pipeline server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"exchange", config.Exchange,
		"queue", config.QueueName,
		"metrics_port", config.MetricsPort,
		"report_enabled", config.ReportEnabled,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("pipeline server error", "error", err)
		return err
	}

	logger.Info("pipeline server stopped")
	return nil
}
