package main

import (
	"github.com/aneshas/eventstore/v2/outbox"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update event store and outbox tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg.Database.SkipMigrations = false

			es, err := a.eventStore()
			if err != nil {
				return err
			}

			defer closeWith(a.log, es)

			if _, err := outbox.New(es.DB()); err != nil {
				return err
			}

			a.log.Info("schema migrated", zap.Bool("postgres", a.cfg.Database.PostgresDSN != ""))

			return nil
		},
	}
}
