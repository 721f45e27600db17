package main

import (
	"context"
	"fmt"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/config"
	"github.com/aneshas/eventstore/v2/example/bank"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type app struct {
	cfg *config.Configuration
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	var (
		a        app
		envFiles []string
	)

	cmd := &cobra.Command{
		Use:          "eventstore",
		Short:        "Event store, outbox relay and projection tooling",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}

			log, err := cfg.Logger()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}

			a.cfg = cfg
			a.log = log

			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", ".env.local"}, "env files to load")

	cmd.AddCommand(
		newMigrateCmd(&a),
		newRelayCmd(&a),
		newProjectCmd(&a),
		newConsumeCmd(&a),
		newDemoCmd(&a),
	)

	return cmd
}

func (a *app) eventStore(opts ...eventstore.Option) (*eventstore.EventStore, error) {
	db := eventstore.WithSQLiteDB(a.cfg.Database.SQLitePath)
	if a.cfg.Database.PostgresDSN != "" {
		db = eventstore.WithPostgresDB(a.cfg.Database.PostgresDSN)
	}

	opts = append([]eventstore.Option{db, eventstore.WithLogger(a.log)}, opts...)

	if a.cfg.Database.SkipMigrations {
		opts = append(opts, eventstore.WithoutMigrations())
	}

	return eventstore.New(eventstore.NewJSONEncoder(bank.Events()...), opts...)
}

func (a *app) backoff() eventstore.Backoff {
	b := eventstore.DefaultBackoff

	b.Base = a.cfg.Outbox.BackoffBase
	b.Max = a.cfg.Outbox.BackoffMax

	return b
}

func closeWith(log *zap.Logger, es *eventstore.EventStore) {
	if err := es.Close(); err != nil {
		log.Warn("closing event store", zap.Error(err))
	}
}

func done(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}

	return err
}
