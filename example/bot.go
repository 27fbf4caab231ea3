package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	tmi "github.com/streamlinked/tmi"
)

// A minimal chatbot: joins a couple of channels and answers !ping.
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	var configuration tmi.Configuration
	configuration.ClientID = os.Getenv("TWITCH_CLIENT_ID")
	configuration.ClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	configuration.IRC.InitialChannels = strings.Split(os.Getenv("TWITCH_CHANNELS"), ",")

	client := tmi.NewClient(tmi.Options{
		Logger:        logger,
		Configuration: configuration,
		TokenHandler: &tmi.SimpleTokenHandler{
			Token:        tmi.NewToken(os.Getenv("TWITCH_ACCESS_TOKEN"), os.Getenv("TWITCH_REFRESH_TOKEN")),
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
		},
	})

	client.Events.Message = func(message *tmi.Message) {
		if message.Echo {
			return
		}

		logger.Info().
			Str("channel", message.Channel.Name).
			Str("author", message.Author.DisplayName()).
			Msg(message.Content)

		if message.Content == "!ping" {
			if err := message.Channel.Send(context.Background(), "pong!"); err != nil {
				logger.Error().Err(err).Msg("Failed to send reply")
			}
		}
	}

	client.Events.Ready = func(shardID string) {
		logger.Info().Str("shard_id", shardID).Msg("Connected")
	}

	if err := client.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt

	_ = client.Stop()
}
