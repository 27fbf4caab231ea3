package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	tmi "github.com/streamlinked/tmi"
	"github.com/streamlinked/tmi/eventsub"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	_ = godotenv.Load()

	configurationPath := flag.String("configuration", os.Getenv("TMI_CONFIGURATION"), "path to the configuration file")
	logFile := flag.String("log-file", os.Getenv("TMI_LOG_FILE"), "path to the rotated log file, empty disables file logging")
	logLevel := flag.String("level", "info", "log level")
	prometheusAddress := flag.String("prometheus", os.Getenv("TMI_PROMETHEUS_ADDRESS"), "prometheus listen address, overrides the configuration")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}

	if *logFile != "" {
		writer = io.MultiWriter(writer, &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     7,
			Compress:   true,
		})
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)

	configuration, err := tmi.LoadConfiguration(*configurationPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configurationPath).Msg("Failed to load configuration")
	}

	handler := &tmi.SimpleTokenHandler{
		Token:        tmi.NewToken(os.Getenv("TMI_ACCESS_TOKEN"), os.Getenv("TMI_REFRESH_TOKEN")),
		ClientID:     configuration.ClientID,
		ClientSecret: configuration.ClientSecret,
	}

	client := tmi.NewClient(tmi.Options{
		Logger:        logger,
		Configuration: configuration,
		TokenHandler:  handler,
		ShardManager: func(c *tmi.Client) tmi.ShardManager {
			return tmi.NewDistributedShardManager(c)
		},
		Events: tmi.Events{
			Ready: func(shardID string) {
				logger.Info().Str("shard_id", shardID).Msg("Shard ready")
			},
			Message: func(message *tmi.Message) {
				logger.Debug().
					Str("channel", message.Channel.Name).
					Str("author", message.Author.Name).
					Msg(message.Content)
			},
			Error: func(shardID string, err error) {
				logger.Error().Err(err).Str("shard_id", shardID).Msg("Client error")
			},
		},
	})

	tmi.RegisterMetrics(prometheus.DefaultRegisterer)
	eventsub.RegisterMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start client")
	}

	var webhook *eventsub.WebhookTransport

	if configuration.EventSub.WebhookSecret != "" {
		webhook = eventsub.NewWebhookTransport(
			client,
			configuration.EventSub.WebhookSecret,
			configuration.EventSub.CallbackURL,
			func(notification *eventsub.Notification) {
				logger.Info().
					Str("type", notification.Subscription.Type).
					Str("subscription_id", notification.Subscription.ID).
					Msg("EventSub notification")
			},
		)

		go func() {
			address := fmt.Sprintf(":%d", configuration.EventSub.WebhookPort)

			if err := webhook.ListenAndServe(address); err != nil {
				logger.Error().Err(err).Msg("Webhook server stopped")
			}
		}()
	}

	address := configuration.PrometheusAddress
	if *prometheusAddress != "" {
		address = *prometheusAddress
	}

	if address != "" {
		go func() {
			logger.Info().Str("address", address).Msg("Serving prometheus metrics")

			if err := http.ListenAndServe(address, promhttp.Handler()); err != nil {
				logger.Error().Err(err).Msg("Prometheus server stopped")
			}
		}()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-interrupt

	logger.Info().Msg("Shutting down")

	if webhook != nil {
		if err := webhook.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close webhook transport")
		}
	}

	if err := client.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop client")
	}
}
