package main

import (
	"fmt"

	"github.com/aneshas/eventstore/v2/aggregate"
	"github.com/aneshas/eventstore/v2/cache"
	"github.com/aneshas/eventstore/v2/example/bank"
	"github.com/aneshas/eventstore/v2/outbox"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newDemoCmd(a *app) *cobra.Command {
	var deposits int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Open a bank account, move some money and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			es, err := a.eventStore()
			if err != nil {
				return err
			}

			defer closeWith(a.log, es)

			ob, err := outbox.New(es.DB(), outbox.WithLogger(a.log))
			if err != nil {
				return err
			}

			var snapshotCache aggregate.SnapshotCache

			if a.cfg.Redis.Addr != "" {
				rdb := redis.NewClient(&redis.Options{
					Addr:     a.cfg.Redis.Addr,
					Password: a.cfg.Redis.Password,
					DB:       a.cfg.Redis.DB,
				})
				defer func() {
					_ = rdb.Close()
				}()

				snapshotCache = cache.NewRedis(rdb, cache.WithTTL(a.cfg.Redis.TTL))
			}

			svc := bank.NewService(
				es,
				ob,
				bank.WithSnapshots(a.cfg.SnapshotFrequency, snapshotCache),
				bank.WithStoreOptions(aggregate.WithReplayBatchSize(a.cfg.ReplayBatchSize)),
				bank.WithServiceLogger(a.log),
			)

			id := uuid.NewString()

			if err := svc.Open(ctx, id, "ACC-1", "Jane", decimal.NewFromInt(1000)); err != nil {
				return err
			}

			for i := 0; i < deposits; i++ {
				if err := svc.Deposit(ctx, id, decimal.NewFromInt(500)); err != nil {
					return err
				}
			}

			if err := svc.Withdraw(ctx, id, decimal.NewFromInt(300)); err != nil {
				return err
			}

			acc, err := svc.Get(ctx, id)
			if err != nil {
				return err
			}

			depth, err := ob.Depth(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "account %s (%s) holder <%s>\n", acc.StreamID(), acc.Number, acc.Owner)
			fmt.Fprintf(out, "balance %s at version %d\n", acc.Balance, acc.Version())
			fmt.Fprintf(out, "outbox pending %d\n", depth[outbox.StatusPending])

			return nil
		},
	}

	cmd.Flags().IntVar(&deposits, "deposits", 1, "number of 500 deposits")

	return cmd
}
