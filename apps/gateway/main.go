package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/presence"
)

func routes(hub *Hub, polls *pollSessions, signer *auth.Signer, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, signer, logger, w, r)
	})
	mux.HandleFunc("POST /poll", polls.Open)
	mux.HandleFunc("GET /poll/{sid}", polls.Poll)
	mux.HandleFunc("POST /poll/{sid}", polls.Push)
	mux.HandleFunc("DELETE /poll/{sid}", polls.Close)
	return mux
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[config.Gateway](ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, false, nil)

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()
	store := presence.NewStore(rdb)
	// a fresh gateway holds no connections
	if err := store.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset online set")
	}

	receipts := newKafkaReceipts(config.SplitList(cfg.KafkaBrokers), cfg.ReceiptsTopic, logger)
	defer receipts.Close()

	signer := auth.NewSigner(cfg.JWTSecret, auth.DefaultTTL)
	hub := NewHub(store, store, receipts, logger)
	polls := newPollSessions(hub, signer, cfg.PollHold, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes(hub, polls, signer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return hub.Run(egCtx) })
	eg.Go(func() error { return polls.Reap(egCtx) })
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("gateway service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
	log.Info().Msg("gateway shutdown complete")
}
