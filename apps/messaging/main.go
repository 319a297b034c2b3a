package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[config.Messaging](ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, false, nil)

	// Schema is owned by scripts/migrate.
	session, err := db.NewSession(config.SplitList(cfg.ScyllaHosts), cfg.Keyspace)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	consumer := NewConsumer(config.SplitList(cfg.KafkaBrokers), cfg.ReceiptsTopic, cfg.GroupID, session, logger)
	defer consumer.Close()

	log.Info().Str("topic", cfg.ReceiptsTopic).Str("group", cfg.GroupID).Msg("starting receipt consumer")
	if err := consumer.Run(ctx); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}
	log.Info().Msg("messaging shutdown complete")
}
