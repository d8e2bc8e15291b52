package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatfanout/internal/config"
	"github.com/Tyrowin/chatfanout/internal/messagelog"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the messages table in PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("migrate: --database-url or DATABASE_URL is required")
			}
			log, err := messagelog.OpenPostgres(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return errors.Wrap(err, "migrate")
			}
			log.Close()
			cmd.Println("messages table is up to date")
			return nil
		},
	}
}
