// Package gateway is the single choke point for all outbound API calls:
// it authenticates, times, classifies failures and defers requests issued
// while offline.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tradesync/config"
	"tradesync/internal/event"
	"tradesync/internal/metrics"
	"tradesync/logger"
)

// TokenProvider supplies the current auth token. An empty token means the
// request goes out unauthenticated.
type TokenProvider interface {
	Token() string
}

// StaticToken is a TokenProvider around a fixed string.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// OnlineChecker reports current connectivity. The condition advisor
// satisfies it.
type OnlineChecker interface {
	Online() bool
}

// RequestOptions tune a single call.
type RequestOptions struct {
	Headers map[string]string
	Timeout time.Duration
}

// Record is the debug trace of one completed request.
type Record struct {
	ID        string        `json:"id"`
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Status    int           `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// DebugEvent is the payload published per completed request when debug
// mode is on.
type DebugEvent struct {
	Method   string        `json:"method"`
	URL      string        `json:"url"`
	Duration time.Duration `json:"duration"`
	Status   int           `json:"status"`
}

// Stats is a snapshot of the gateway counters.
type Stats struct {
	Requests      int64 `json:"requests"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	OfflineQueued int   `json:"offline_queued"`
}

type pendingResult struct {
	body []byte
	err  error
}

// pendingRequest is a call deferred while offline. done receives exactly
// one result when the request is eventually replayed.
type pendingRequest struct {
	method string
	path   string
	body   []byte
	opts   RequestOptions
	done   chan pendingResult
}

// Gateway wraps all outbound HTTP calls to the trading backend.
type Gateway struct {
	cfg     config.APIConfig
	client  *http.Client
	tokens  TokenProvider
	online  OnlineChecker
	bus     *event.Bus
	limiter *rate.Limiter
	log     *logger.Log

	mu        sync.Mutex
	records   []Record
	requests  int64
	successes int64
	failures  int64
	offline   []*pendingRequest

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a gateway. tokens and online may be nil, meaning no auth
// header and an always-online connectivity view.
func New(cfg config.APIConfig, tokens TokenProvider, online OnlineChecker, bus *event.Bus) *Gateway {
	transport := &http.Transport{
		MaxIdleConns:       cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:    cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:    cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression: false,
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		rps := cfg.RateLimit.RequestsPerSecond
		if rps <= 0 {
			rps = 5
		}
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	g := &Gateway{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		tokens:  tokens,
		online:  online,
		bus:     bus,
		limiter: limiter,
		log:     logger.GetLogger(),
	}

	g.log.WithComponent("request_gateway").WithFields(logger.Fields{
		"base_url": cfg.BaseURL,
		"timeout":  timeout,
	}).Info("request gateway initialized")
	return g
}

// Start launches the connectivity listener that replays deferred calls.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	g.running = true
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	sub := g.bus.Subscribe(event.TopicConnectivity)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if online, _ := evt.Data.(bool); online {
					g.flushOffline(ctx)
				}
			}
		}
	}()
	return nil
}

// Stop halts the connectivity listener. Deferred calls stay queued.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	cancel := g.cancel
	g.mu.Unlock()

	cancel()
	g.wg.Wait()
	g.log.WithComponent("request_gateway").Info("request gateway stopped")
}

// Get issues a GET request.
func (g *Gateway) Get(ctx context.Context, path string, opts *RequestOptions) ([]byte, error) {
	return g.call(ctx, http.MethodGet, path, nil, opts)
}

// Post issues a POST request with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body interface{}, opts *RequestOptions) ([]byte, error) {
	return g.call(ctx, http.MethodPost, path, body, opts)
}

// Put issues a PUT request with a JSON body.
func (g *Gateway) Put(ctx context.Context, path string, body interface{}, opts *RequestOptions) ([]byte, error) {
	return g.call(ctx, http.MethodPut, path, body, opts)
}

// Patch issues a PATCH request with a JSON body.
func (g *Gateway) Patch(ctx context.Context, path string, body interface{}, opts *RequestOptions) ([]byte, error) {
	return g.call(ctx, http.MethodPatch, path, body, opts)
}

// Delete issues a DELETE request.
func (g *Gateway) Delete(ctx context.Context, path string, opts *RequestOptions) ([]byte, error) {
	return g.call(ctx, http.MethodDelete, path, nil, opts)
}

func (g *Gateway) call(ctx context.Context, method, path string, body interface{}, opts *RequestOptions) ([]byte, error) {
	var options RequestOptions
	if opts != nil {
		options = *opts
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	// Offline calls never touch the network: they are deferred up front so
	// a flaky send cannot cause duplicate server-side mutations.
	if g.online != nil && !g.online.Online() {
		return g.deferCall(ctx, method, path, encoded, options)
	}

	return g.doRequest(ctx, method, path, encoded, options)
}

// deferCall parks the call in the offline queue and blocks until it has been
// replayed after reconnection.
func (g *Gateway) deferCall(ctx context.Context, method, path string, body []byte, opts RequestOptions) ([]byte, error) {
	pending := &pendingRequest{
		method: method,
		path:   path,
		body:   body,
		opts:   opts,
		done:   make(chan pendingResult, 1),
	}

	g.mu.Lock()
	if g.online.Online() {
		// Connectivity came back between the caller's check and taking
		// the lock; the replay flush may already have drained the queue,
		// so the request goes out directly instead of parking.
		g.mu.Unlock()
		return g.doRequest(ctx, method, path, body, opts)
	}
	g.offline = append(g.offline, pending)
	depth := len(g.offline)
	g.mu.Unlock()
	metrics.SetOfflineQueueDepth(depth)

	g.log.WithComponent("request_gateway").WithFields(logger.Fields{
		"method": method,
		"path":   path,
		"depth":  depth,
	}).Info("offline, request deferred")

	select {
	case res := <-pending.done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flushOffline replays deferred calls in submission order, each exactly
// once, with its original arguments.
func (g *Gateway) flushOffline(ctx context.Context) {
	g.mu.Lock()
	queued := g.offline
	g.offline = nil
	g.mu.Unlock()
	metrics.SetOfflineQueueDepth(0)

	if len(queued) == 0 {
		return
	}
	g.log.WithComponent("request_gateway").WithFields(logger.Fields{
		"queued": len(queued),
	}).Info("connectivity restored, replaying deferred requests")

	for _, pending := range queued {
		body, err := g.doRequest(ctx, pending.method, pending.path, pending.body, pending.opts)
		pending.done <- pendingResult{body: body, err: err}
	}
}

// doRequest performs one HTTP exchange and normalizes its outcome.
func (g *Gateway) doRequest(ctx context.Context, method, path string, body []byte, opts RequestOptions) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, classifyTransport(err)
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	url := strings.TrimSuffix(g.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.tokens != nil {
		if token := g.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, httpErr := g.client.Do(req)
	duration := time.Since(start)

	record := Record{
		ID:        uuid.NewString(),
		Method:    method,
		URL:       url,
		Timestamp: start.UTC(),
		Duration:  duration,
	}

	if httpErr != nil {
		normalized := classifyTransport(httpErr)
		record.Error = normalized.Error()
		g.finish(record, false)
		return nil, normalized
	}
	defer resp.Body.Close()

	record.Status = resp.StatusCode
	payload, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		normalized := classifyTransport(readErr)
		record.Error = normalized.Error()
		g.finish(record, false)
		return nil, normalized
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		normalized := classifyResponse(resp.StatusCode, payload)
		record.Error = normalized.Error()
		g.finish(record, false)
		return nil, normalized
	}

	g.finish(record, true)
	return payload, nil
}

// finish appends the request record and updates counters and side
// channels. Instrumentation here is best effort and never affects the
// call outcome.
func (g *Gateway) finish(record Record, success bool) {
	limit := g.cfg.RequestHistory
	if limit <= 0 {
		limit = 100
	}

	g.mu.Lock()
	g.requests++
	if success {
		g.successes++
	} else {
		g.failures++
	}
	g.records = append(g.records, record)
	if len(g.records) > limit {
		// keep the most recent entries only
		g.records = append([]Record(nil), g.records[len(g.records)-limit:]...)
	}
	g.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.ObserveRequest(record.Method, outcome, record.Duration.Seconds())
	logger.LogPerformanceEntry(g.log.WithComponent("request_gateway"), "request_gateway", "api_request", record.Duration, logger.Fields{
		"method": record.Method,
		"url":    record.URL,
		"status": record.Status,
	})

	if g.cfg.DebugEvents {
		g.bus.Publish(event.TopicRequestDebug, DebugEvent{
			Method:   record.Method,
			URL:      record.URL,
			Duration: record.Duration,
			Status:   record.Status,
		})
	}
}

// Records returns a copy of the recent request ring buffer.
func (g *Gateway) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, len(g.records))
	copy(out, g.records)
	return out
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Requests:      g.requests,
		Successes:     g.successes,
		Failures:      g.failures,
		OfflineQueued: len(g.offline),
	}
}

// ResetRequestCount zeroes the total request counter.
func (g *Gateway) ResetRequestCount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = 0
}

// ResetSuccessCount zeroes the success counter.
func (g *Gateway) ResetSuccessCount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successes = 0
}

// ResetFailureCount zeroes the failure counter.
func (g *Gateway) ResetFailureCount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}
