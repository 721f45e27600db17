package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aneshas/eventstore/v2/kafka"
	"github.com/aneshas/eventstore/v2/metrics"
	"github.com/aneshas/eventstore/v2/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRelayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Relay outbox messages to kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			m := metrics.New(reg)

			es, err := a.eventStore()
			if err != nil {
				return err
			}

			defer closeWith(a.log, es)

			store, err := outbox.New(
				es.DB(),
				outbox.WithBackoff(a.backoff()),
				outbox.WithMaxErrorLen(a.cfg.Outbox.MaxErrorLen),
				outbox.WithLogger(a.log),
				outbox.WithMetrics(m),
			)
			if err != nil {
				return err
			}

			w := kafka.NewWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
			defer func() {
				_ = w.Close()
			}()

			relay, err := outbox.NewRelay(store, kafka.NewDispatcher(w, a.log), outbox.RelayOptions{
				PollInterval:    a.cfg.Outbox.PollInterval,
				BatchSize:       a.cfg.Outbox.BatchSize,
				Visibility:      a.cfg.Outbox.Visibility,
				DispatchTimeout: a.cfg.Outbox.DispatchTimeout,
				Logger:          a.log,
				Metrics:         m,
			})
			if err != nil {
				return err
			}

			srv := serveMetrics(a, reg)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				_ = srv.Shutdown(shutdownCtx)
			}()

			a.log.Info(
				"outbox relay started",
				zap.Strings("brokers", a.cfg.Kafka.Brokers),
				zap.String("topic", a.cfg.Kafka.Topic),
			)

			return done(ctx, relay.Run(ctx))
		},
	}
}

func serveMetrics(a *app, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}
