package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all for dev, or specific origin
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[config.API](ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, false, nil)

	session, err := db.NewSession(config.SplitList(cfg.ScyllaHosts), cfg.Keyspace)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}

	srv := &Server{
		store:    session,
		lastSeen: presence.NewStore(rdb),
		signer:   auth.NewSigner(cfg.JWTSecret, auth.DefaultTTL),
		ids:      node,
		log:      logger.With().Str("component", "api").Logger(),
		now:      time.Now,
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           CORSMiddleware(srv.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("API service starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		log.Fatal().Err(err).Msg("api stopped")
	}
	log.Info().Msg("api shutdown complete")
}
