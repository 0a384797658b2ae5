// Command marlin runs the exchange connectivity core against the venue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/marlin/config"
	"github.com/quantfold/marlin/internal/connector"
	"github.com/quantfold/marlin/internal/journal"
	"github.com/quantfold/marlin/internal/observability"
	"github.com/quantfold/marlin/internal/telemetry"
)

const (
	defaultConfigPath = "config/marlin.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to the marlin configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := observability.NewZerologLogger(os.Stderr, settings.LogLevel)
	observability.SetLogger(logger)

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.F("error", err))
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var jrnl journal.Journal = journal.Noop{}
	if settings.Journal.Enabled {
		pg, err := journal.OpenPostgres(ctx, settings.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		jrnl = pg
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer closeCancel()
			if err := pg.Close(closeCtx); err != nil {
				logger.Warn("journal close", observability.F("error", err))
			}
		}()
	}

	client, err := connector.New(settings, jrnl, metrics)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}
	defer client.Stop()

	go logUpdates(ctx, client)

	logger.Info("marlin running",
		observability.F("environment", string(settings.Environment)),
		observability.F("instruments", len(settings.Instruments)),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func logUpdates(ctx context.Context, client *connector.Connector) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-client.Updates():
			observability.Log().Info("order transition",
				observability.F("local_id", update.Order.LocalID),
				observability.F("symbol", update.Order.Symbol),
				observability.F("from", update.From.String()),
				observability.F("to", update.To.String()),
			)
		case trade := <-client.Trades():
			observability.Log().Debug("public trade",
				observability.F("symbol", trade.Symbol),
				observability.F("price", trade.Price.String()),
				observability.F("quantity", trade.Quantity.String()),
			)
		}
	}
}
