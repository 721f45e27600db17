package main

import (
	"fmt"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/example/bank"
	"github.com/spf13/cobra"
)

func newProjectCmd(a *app) *cobra.Command {
	var offset uint64

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project stored bank events to the console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			es, err := a.eventStore()
			if err != nil {
				return err
			}

			defer closeWith(a.log, es)

			p := eventstore.NewProjector(
				es,
				eventstore.WithProjectorLogger(a.log),
				eventstore.WithSubscriptionOpts(eventstore.WithOffset(offset)),
			)

			p.Add(func(evt eventstore.StoredEvent) error {
				printEvent(cmd, evt)

				return nil
			})

			return p.Run(cmd.Context())
		},
	}

	cmd.Flags().Uint64Var(&offset, "offset", 0, "sequence to start projecting after")

	return cmd
}

func printEvent(cmd *cobra.Command, evt eventstore.StoredEvent) {
	out := cmd.OutOrStdout()

	switch e := evt.Event.(type) {
	case bank.AccountOpened:
		fmt.Fprintf(out, "#%d account %s opened | holder <%s> | balance %s\n", evt.Sequence, e.AccountNumber, e.Owner, e.InitialBalance)
	case bank.MoneyDeposited:
		fmt.Fprintf(out, "#%d %s +%s\n", evt.Sequence, evt.StreamID, e.Amount)
	case bank.MoneyWithdrawn:
		fmt.Fprintf(out, "#%d %s -%s\n", evt.Sequence, evt.StreamID, e.Amount)
	case bank.TransactionRecorded:
		fmt.Fprintf(out, "#%d transaction %s %s %s\n", evt.Sequence, e.AccountID, e.Kind, e.Amount)
	default:
		fmt.Fprintf(out, "#%d %s (not interested)\n", evt.Sequence, evt.Type)
	}
}
