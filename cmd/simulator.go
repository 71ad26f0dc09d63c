package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/radwatch/internal/producer"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the telemetry simulator",
	Long: `Run the telemetry simulator that:
- Generates synthetic radiation and environment readings
- Publishes telemetry to the RabbitMQ topic exchange
- Supports multiple concurrent producers`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	// Simulator-specific flags
	simulatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulatorCmd.Flags().String("exchange", "telemetry", "RabbitMQ topic exchange")
	simulatorCmd.Flags().String("queue-name", "telemetry-ingest", "RabbitMQ queue bound to the exchange")
	simulatorCmd.Flags().String("binding-key", "telemetry.#", "Routing pattern the queue is bound with")
	simulatorCmd.Flags().Int("producer-count", 3, "Number of concurrent producers")
	simulatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between data generation")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.rabbitmq.url", simulatorCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulator.rabbitmq.exchange", simulatorCmd.Flags().Lookup("exchange"))
	_ = viper.BindPFlag("simulator.rabbitmq.queue_name", simulatorCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("simulator.rabbitmq.binding_key", simulatorCmd.Flags().Lookup("binding-key"))
	_ = viper.BindPFlag("simulator.producer_count", simulatorCmd.Flags().Lookup("producer-count"))
	_ = viper.BindPFlag("simulator.interval", simulatorCmd.Flags().Lookup("interval"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	// Create producer configuration from viper
	config := &producer.ServerConfig{
		Logger:        logger,
		RabbitMQURL:   viper.GetString("simulator.rabbitmq.url"),
		Exchange:      viper.GetString("simulator.rabbitmq.exchange"),
		QueueName:     viper.GetString("simulator.rabbitmq.queue_name"),
		BindingKey:    viper.GetString("simulator.rabbitmq.binding_key"),
		ProducerCount: viper.GetInt("simulator.producer_count"),
		Interval:      viper.GetDuration("simulator.interval"),
	}

	// Create and run server
	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"exchange", config.Exchange,
		"queue", config.QueueName,
		"producer_count", config.ProducerCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}
