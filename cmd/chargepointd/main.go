package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/engine"
	"github.com/voltgrid/chargepointd/internal/events"
	"github.com/voltgrid/chargepointd/internal/hardware"
	"github.com/voltgrid/chargepointd/internal/journal"
	"github.com/voltgrid/chargepointd/internal/observability/telemetry"
	"github.com/voltgrid/chargepointd/internal/storage"
	"github.com/voltgrid/chargepointd/internal/transport"
	"github.com/voltgrid/chargepointd/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	logger.Info("Starting charge point controller",
		zap.String("service", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("charge_point_id", cfg.Backend.ChargePointID),
	)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracer(cfg.App.Name, cfg.App.Version, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// Durable storage for the transaction journal and configuration keys.
	fs, err := storage.NewOSFilesystem(cfg.Storage.Dir)
	if err != nil {
		logger.Fatal("Failed to open storage directory", zap.Error(err))
	}
	kv := storage.NewKV(fs, logger)
	jnl := journal.New(kv, logger)
	cfgKeys := engine.NewConfigRegistry(kv, cfg.Engine.ConnectorCount, logger)

	// Backend link.
	tr := transport.NewWSClient(transport.WSClientConfig{
		URL:           cfg.Backend.URL,
		ChargePointID: cfg.Backend.ChargePointID,
		Subprotocol:   cfg.Backend.Subprotocol,
		DialTimeout:   cfg.Backend.DialTimeout,
		ReconnectWait: cfg.Backend.ReconnectWait,
	}, logger)
	defer tr.Close()

	// Site-local event bus; optional.
	var pub events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", zap.Error(err))
		} else {
			pub = natsPub
			defer natsPub.Close()
		}
	}

	// The demo driver stands in for the real charging hardware; production
	// builds link a board-specific implementation here.
	driver := hardware.NewSimDriver(logger)

	eng, err := engine.New(engine.Config{
		ChargePointVendor:  cfg.Identity.Vendor,
		ChargePointModel:   cfg.Identity.Model,
		SerialNumber:       cfg.Identity.SerialNumber,
		FirmwareVersion:    cfg.Identity.FirmwareVersion,
		ConnectorCount:     cfg.Engine.ConnectorCount,
		TickInterval:       cfg.Engine.TickInterval,
		MeterValueInterval: cfg.Engine.MeterValueInterval,
		StatusPolicy:       toPolicy(cfg.Retry.Status),
		TransactionPolicy:  toPolicy(cfg.Retry.Transaction),
		BootPolicy:         toPolicy(cfg.Retry.Boot),
	}, tr, jnl, cfgKeys, driver, pub, logger)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.OnReset = func(hard bool) {
		logger.Info("Reset requested by backend, exiting for supervisor restart",
			zap.Bool("hard", hard),
		)
		cancel()
	}

	if cfg.Prometheus.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Prometheus.Port)
			logger.Info("Serving metrics", zap.String("addr", addr))
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("Engine stopped", zap.Error(err))
	}
	logger.Info("Charge point controller stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	return zcfg.Build()
}

func toPolicy(p config.PolicyConfig) engine.RetryPolicy {
	backoff := engine.BackoffFixed
	if p.Backoff == "exponential" {
		backoff = engine.BackoffExponential
	}
	return engine.RetryPolicy{
		MaxAttempts: p.MaxAttempts,
		Timeout:     p.Timeout,
		Backoff:     backoff,
		MaxInterval: p.MaxInterval,
	}
}
