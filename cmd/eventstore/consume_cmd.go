package main

import (
	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/example/bank"
	"github.com/aneshas/eventstore/v2/kafka"
	"github.com/spf13/cobra"
)

func newConsumeCmd(a *app) *cobra.Command {
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume relayed integration events from kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := kafka.NewReader(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic, a.cfg.Kafka.Group)
			defer func() {
				_ = r.Close()
			}()

			c := kafka.NewConsumer(
				r,
				eventstore.NewJSONEncoder(bank.Events()...),
				kafka.WithConsumerLogger(a.log),
				kafka.WithMaxAttempts(maxAttempts),
			)

			err := c.Run(cmd.Context(), func(evt eventstore.StoredEvent) error {
				printEvent(cmd, evt)

				return nil
			})

			return done(cmd.Context(), err)
		},
	}

	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 10, "attempts before a message is skipped (0 retries forever)")

	return cmd
}
