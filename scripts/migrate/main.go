package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logging"
)

func main() {
	var reset bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the chat keyspace and tables in ScyllaDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.API](cmd.Context())
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, true, nil)
			log.Info().Str("hosts", cfg.ScyllaHosts).Bool("reset", reset).Msg("migrating")
			return db.Migrate(config.SplitList(cfg.ScyllaHosts), cfg.Keyspace, reset)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop existing tables first (destroys all data)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
