package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/UniQw/edgepurge/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the purge scheduler, the change-event consumer and the metrics endpoint",
		RunE:  runServe,
	}
	cmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	cmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables export")
	bindFlag("metrics_addr", cmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", cmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "edgepurge", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return telemetry.ServeMetrics(gctx, cfg.MetricsAddr, telemetry.NewHandler(a.registry, a.ping), logger)
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer, closeReader, err := a.newConsumer()
		if err != nil {
			return err
		}
		defer func() { _ = closeReader() }()
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		logger.Info("kafka_brokers not set, change-event consumer disabled")
	}

	g.Go(func() error {
		a.server.Start()
		<-gctx.Done()
		logger.Info("shutting down, waiting for the running burst to stop")
		a.server.Stop()
		return nil
	})

	logger.Info("edgepurge serving",
		slog.Any("sites", cfg.SiteIDs()),
		slog.String("store", cfg.Store),
		slog.String("schedule", cfg.Queue.Schedule),
	)
	return g.Wait()
}

// signalContext cancels on SIGTERM or SIGINT.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, os.Interrupt)
}
