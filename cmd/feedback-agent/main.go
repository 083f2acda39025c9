package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/config"
	"feedback-agent/pkg/feedback"
	"feedback-agent/pkg/httpapi"
	"feedback-agent/pkg/messaging"
	"feedback-agent/pkg/metrics"
	"feedback-agent/pkg/realtime"
	"feedback-agent/pkg/relay"
	"feedback-agent/pkg/summary"
	"feedback-agent/pkg/telephony"
	"feedback-agent/pkg/util"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	color.Cyan("Feedback Agent starting")

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	cfg.ConfigureLogger(logger)

	metrics.Init(logger)

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session store")
	}

	publisher := buildPublisher(cfg, logger)

	caller := telephony.NewTwilioCaller(
		cfg.Twilio.AccountSID,
		cfg.Twilio.AuthToken,
		cfg.Twilio.PhoneNumber,
		cfg.Twilio.RingTimeout,
		logger,
	)

	summarizer := summary.NewOpenAISummarizer(cfg.OpenAI.APIKey, cfg.OpenAI.ChatModel, logger)

	dialer := realtime.NewNegotiator(realtime.NegotiatorConfig{
		APIKey:       cfg.OpenAI.APIKey,
		Model:        cfg.OpenAI.RealtimeModel,
		Voice:        cfg.OpenAI.Voice,
		GuidanceFile: cfg.OpenAI.GuidanceFile,
	}, logger)

	service := feedback.NewService(
		feedback.ServiceConfig{BaseURL: cfg.HTTP.BaseURL},
		store,
		feedback.NewStaticBookingLookup(),
		caller,
		summarizer,
		publisher,
		logger,
	)

	server := httpapi.NewServer(httpapi.Config{
		Port:    cfg.HTTP.Port,
		BaseURL: cfg.HTTP.BaseURL,
		Relay: relay.Config{
			TerminationGrace: cfg.Relay.TerminationGrace,
			MaxCallDuration:  cfg.Relay.MaxCallDuration,
		},
	}, service, dialer, logger)

	shutdown := util.NewGracefulShutdown(logger, 30*time.Second)
	shutdown.Register(util.ShutdownResource{
		Name:     "http_server",
		Priority: 1,
		Shutdown: server.Shutdown,
	})
	shutdown.Register(util.ShutdownResource{
		Name:     "session_store",
		Priority: 2,
		Shutdown: func(ctx context.Context) error { return store.Close() },
	})
	shutdown.Register(util.ShutdownResource{
		Name:     "amqp_publisher",
		Priority: 3,
		Shutdown: func(ctx context.Context) error {
			publisher.Disconnect()
			return nil
		},
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	color.Green("Feedback Agent ready on port %d", cfg.HTTP.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// buildStore selects the configured session store backend
func buildStore(cfg *config.Config, logger *logrus.Logger) (feedback.Store, error) {
	if cfg.Store.Backend == "redis" {
		return feedback.NewRedisStore(feedback.RedisStoreConfig{
			Address:  cfg.Store.RedisAddress,
			Password: cfg.Store.RedisPassword,
			Database: cfg.Store.RedisDatabase,
			TTL:      cfg.Store.RedisTTL,
		}, logger)
	}
	return feedback.NewMemoryStore(logger), nil
}

// buildPublisher connects AMQP when configured, otherwise messaging is
// disabled and finalization skips publishing
func buildPublisher(cfg *config.Config, logger *logrus.Logger) messaging.Publisher {
	if cfg.Messaging.AMQPUrl == "" {
		logger.Info("AMQP not configured, feedback events will not be published")
		return messaging.NoopPublisher{}
	}

	client := messaging.NewAMQPClient(logger, cfg.Messaging.AMQPUrl, cfg.Messaging.AMQPQueueName)
	if err := client.Connect(); err != nil {
		logger.WithError(err).Warn("AMQP unavailable, continuing without event publishing")
		return messaging.NoopPublisher{}
	}
	return client
}
