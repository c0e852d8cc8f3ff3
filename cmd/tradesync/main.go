package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradesync/config"
	"tradesync/internal/cache"
	"tradesync/internal/dashboard"
	"tradesync/internal/envsignal"
	"tradesync/internal/event"
	"tradesync/internal/gateway"
	"tradesync/internal/metrics"
	"tradesync/internal/realtime"
	"tradesync/internal/storage"
	"tradesync/internal/syncqueue"
	"tradesync/logger"
)

// gatewaySubmitter replays queued mutations through the request gateway.
type gatewaySubmitter struct {
	gw *gateway.Gateway
}

func (s *gatewaySubmitter) Submit(ctx context.Context, action syncqueue.Action, resource string, payload json.RawMessage) error {
	path := "/" + strings.TrimPrefix(resource, "/")
	var err error
	switch action {
	case syncqueue.ActionCreate:
		_, err = s.gw.Post(ctx, path, payload, nil)
	case syncqueue.ActionUpdate:
		_, err = s.gw.Put(ctx, path, payload, nil)
	case syncqueue.ActionDelete:
		_, err = s.gw.Delete(ctx, path, nil)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	return err
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradesync.Name,
		"version": cfg.Tradesync.Version,
	}).Info("starting tradesync")

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	bus := event.NewBus(64)
	defer bus.Close()

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		os.Exit(1)
	}
	defer store.Close()

	advisor := envsignal.NewAdvisor(cfg.Conditions, nil, bus)
	dataCache := cache.New(cfg.Cache, store, advisor)
	gw := gateway.New(cfg.API, tokenFromEnv(), advisor, bus)
	queue, err := syncqueue.New(cfg.Sync, store, &gatewaySubmitter{gw: gw}, bus)
	if err != nil {
		log.WithError(err).Error("failed to restore sync queue")
		os.Exit(1)
	}
	channel := realtime.New(cfg.Realtime)

	services := []struct {
		name  string
		start func(context.Context) error
		stop  func()
	}{
		{"condition_advisor", advisor.Start, advisor.Stop},
		{"data_cache", dataCache.Start, dataCache.Stop},
		{"request_gateway", gw.Start, gw.Stop},
		{"sync_queue", queue.Start, queue.Stop},
		{"realtime_channel", channel.Start, channel.Stop},
	}
	for _, svc := range services {
		if err := svc.start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"service": svc.name}).Error("service failed to start")
			os.Exit(1)
		}
	}

	dash := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Gateway: gw,
		Channel: channel,
		Cache:   dataCache,
		Queue:   queue,
		Advisor: advisor,
	})
	dashErr := make(chan error, 1)
	go func() {
		if err := dash.Run(ctx); err != nil && err != http.ErrServerClosed {
			dashErr <- err
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-dashErr:
		log.WithError(err).Error("diagnostics server failed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	for i := len(services) - 1; i >= 0; i-- {
		log.WithFields(logger.Fields{"service": services[i].name}).Info("stopping service")
		services[i].stop()
	}

	log.Info("tradesync stopped")
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "file":
		return storage.NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func tokenFromEnv() gateway.TokenProvider {
	if token := os.Getenv("API_TOKEN"); token != "" {
		return gateway.StaticToken(token)
	}
	return nil
}
