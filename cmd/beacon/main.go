package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	httpadapter "github.com/mathisontech/beacon/internal/adapter/http"
	kafkaadapter "github.com/mathisontech/beacon/internal/adapter/kafka"
	"github.com/mathisontech/beacon/internal/adapter/nws"
	"github.com/mathisontech/beacon/internal/config"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/fetcher"
	"github.com/mathisontech/beacon/internal/monitor"
	"github.com/mathisontech/beacon/internal/observability"
	"github.com/mathisontech/beacon/internal/poller"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	client := nws.NewClient(cfg, metrics, logger)
	f := fetcher.New(client, fetcher.Settings{
		CacheTTL:    cfg.AlertCacheTTL,
		MaxAttempts: cfg.FetchAttempts,
		BaseBackoff: cfg.FetchBaseBackoff,
	}, clock, logger, metrics)
	p := poller.New(f, poller.DefaultSettings(), clock, logger, metrics)

	mon := monitor.New(p, monitor.Handlers{
		OnCriticalAlert: func(critical []domain.Alert) {
			for i := range critical {
				logger.Warn("CRITICAL ALERT",
					"title", critical[i].Title,
					"type", critical[i].EmergencyType,
					"time_to_impact", domain.FormatTimeToImpact(critical[i].TimeToImpact),
					"evacuate", critical[i].EvacuationRecommended,
				)
			}
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bundle publishing is feature-flagged via KAFKA_ENABLED.
	var publisher *kafkaadapter.Publisher
	publisherDone := make(chan struct{})
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(kafkaadapter.NewWriter(cfg), clock, logger, metrics)
		p.Subscribe(publisher.Handle)
		go func() {
			defer close(publisherDone)
			if err := publisher.Run(ctx); err != nil {
				logger.Error("publisher error", "error", err)
			}
		}()
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		close(publisherDone)
		logger.Info("kafka publishing disabled")
	}

	if cfg.MonitorEnabled {
		loc := domain.Location{Latitude: cfg.MonitorLatitude, Longitude: cfg.MonitorLongitude}
		if err := mon.StartMonitoring(loc); err != nil {
			logger.Error("failed to start monitoring", "location", loc.Key(), "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("no monitor location configured, waiting for PUT /api/location")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, mon, p, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	mon.StopMonitoring()
	p.Close()

	select {
	case <-publisherDone:
	case <-shutdownCtx.Done():
		logger.Warn("publisher did not drain before shutdown deadline")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
