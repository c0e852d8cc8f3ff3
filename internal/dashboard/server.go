// Package dashboard exposes the diagnostics surface: a read-only JSON API
// over the gateway, realtime channel, cache, sync queue and device
// conditions, plus the Prometheus scrape endpoint and recent logs.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradesync/config"
	"tradesync/internal/cache"
	"tradesync/internal/envsignal"
	"tradesync/internal/gateway"
	"tradesync/internal/metrics"
	"tradesync/internal/realtime"
	"tradesync/internal/syncqueue"
	"tradesync/logger"
)

// Sources are the subsystems the dashboard reads from. Any of them may be
// nil; the matching endpoint then reports an empty snapshot.
type Sources struct {
	Gateway *gateway.Gateway
	Channel *realtime.Channel
	Cache   *cache.Cache
	Queue   *syncqueue.Queue
	Advisor *envsignal.Advisor
}

// Server hosts the Gin-powered diagnostics API.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	sources    Sources
	logStore   *logStore
	sampler    *resourceSampler
	httpServer *http.Server
	started    time.Time
}

// NewServer constructs a diagnostics server when the dashboard feature is
// enabled. When disabled the returned server is nil and Run is a no-op.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources Sources) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:      cfg,
		log:      log,
		sources:  sources,
		logStore: logStore,
		sampler:  newResourceSampler(cfg.LogHistory, cfg.RefreshInterval, log),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.started = time.Now().UTC()
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("diagnostics server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "tradesync",
			"uptime":  time.Since(s.started).String(),
			"endpoints": []string{
				"/api/requests", "/api/channel", "/api/cache", "/api/sync",
				"/api/conditions", "/api/logs", "/api/resources", "/api/health",
				"/metrics",
			},
		})
	})

	router.GET("/api/requests", func(c *gin.Context) {
		payload := gin.H{"stats": gateway.Stats{}, "records": []gateway.Record{}}
		if g := s.sources.Gateway; g != nil {
			payload["stats"] = g.Stats()
			payload["records"] = g.Records()
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/api/channel", func(c *gin.Context) {
		var stats realtime.Stats
		if ch := s.sources.Channel; ch != nil {
			stats = ch.Stats()
		}
		c.JSON(http.StatusOK, stats)
	})

	router.GET("/api/cache", func(c *gin.Context) {
		var stats cache.Stats
		if cc := s.sources.Cache; cc != nil {
			stats = cc.Stats()
		}
		c.JSON(http.StatusOK, stats)
	})

	router.GET("/api/sync", func(c *gin.Context) {
		payload := gin.H{"depth": 0, "items": []syncqueue.Item{}}
		if q := s.sources.Queue; q != nil {
			payload["depth"] = q.Len()
			payload["items"] = q.Items()
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/api/conditions", func(c *gin.Context) {
		var conditions envsignal.Conditions
		if a := s.sources.Advisor; a != nil {
			conditions = a.Current()
		}
		c.JSON(http.StatusOK, conditions)
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uptime":     time.Since(s.started).String(),
			"components": logger.HealthCounters(),
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
