// Package realtime maintains one logical websocket connection to the
// trading backend and multiplexes topic subscriptions over it. The
// connection reconnects on its own with capped backoff; subscriptions and
// queued outbound messages survive the reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"tradesync/config"
	"tradesync/internal/metrics"
	"tradesync/logger"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	defaultMinReconnect = time.Second
	defaultMaxReconnect = 30 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Message is the wire envelope for data frames in both directions.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// controlMessage drives server-side subscription state.
type controlMessage struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// Handler receives inbound messages for one subscription.
type Handler func(Message)

// Subscription is one caller's interest in a (channel, symbol) pair.
type Subscription struct {
	channel string
	symbol  string
	handler Handler
	owner   *Channel
}

// Unsubscribe withdraws this subscription. Other subscribers on the same
// pair are unaffected.
func (s *Subscription) Unsubscribe() {
	s.owner.unsubscribe(s)
}

// Stats is a snapshot of the channel's introspection surface.
type Stats struct {
	State             State      `json:"state"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastConnected     *time.Time `json:"last_connected,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	QueuedOutbound    int        `json:"queued_outbound"`
	Subscriptions     int        `json:"subscriptions"`
	MessagesSent      int64      `json:"messages_sent"`
	MessagesReceived  int64      `json:"messages_received"`
	Reconnects        int64      `json:"reconnects"`
}

// Channel owns the websocket connection and the subscription registry.
type Channel struct {
	cfg config.RealtimeConfig
	log *logger.Log

	// writeMu orders every frame written to the socket, including the
	// outbound queue flush on reconnect.
	writeMu  sync.Mutex
	conn     *websocket.Conn
	outbound []Message

	mu                sync.Mutex
	state             State
	reconnectAttempts int
	lastConnected     *time.Time
	lastError         string
	subs              map[string]map[string][]*Subscription
	messagesSent      int64
	messagesReceived  int64
	reconnects        int64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a channel in the disconnected state. Start opens it.
func New(cfg config.RealtimeConfig) *Channel {
	return &Channel{
		cfg:   cfg,
		log:   logger.GetLogger(),
		state: StateDisconnected,
		subs:  make(map[string]map[string][]*Subscription),
	}
}

// Start launches the connect/read loop.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("realtime channel already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.log.WithComponent("realtime_channel").WithFields(logger.Fields{
		"url": c.cfg.URL,
	}).Info("realtime channel starting")

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop closes the connection and halts reconnection. Queued outbound
// messages and subscriptions are kept for a later Start.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.writeMu.Unlock()
	c.wg.Wait()

	c.setState(StateDisconnected, "")
	c.log.WithComponent("realtime_channel").Info("realtime channel stopped")
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	delay := &backoff.Backoff{
		Min:    orDuration(c.cfg.MinReconnect, defaultMinReconnect),
		Max:    orDuration(c.cfg.MaxReconnect, defaultMaxReconnect),
		Factor: orFloat(c.cfg.BackoffFactor, 2),
		Jitter: true,
	}
	log := c.log.WithComponent("realtime_channel")

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, "")

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			attempts := c.connectFailed(err)
			metrics.IncrementReconnect()
			log.WithError(err).WithFields(logger.Fields{
				"attempts": attempts,
			}).Warn("websocket connect failed")
			if waitReconnect(ctx, delay.Duration()) {
				return
			}
			continue
		}

		delay.Reset()
		c.attach(conn)
		log.Info("websocket connected")

		if err := c.resubscribe(conn); err != nil {
			log.WithError(err).Warn("failed to restore subscriptions")
			c.detach(conn, err)
			if waitReconnect(ctx, delay.Duration()) {
				return
			}
			continue
		}
		c.flushOutbound(conn)

		pingCancel := c.startPingLoop(ctx, conn)
		readErr := c.readLoop(ctx, conn)
		pingCancel()

		c.detach(conn, readErr)
		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			if isCleanClose(readErr) {
				log.Info("websocket closed by peer")
			} else {
				log.WithError(readErr).Warn("websocket read loop ended")
			}
		}
		metrics.IncrementReconnect()
		if waitReconnect(ctx, delay.Duration()) {
			return
		}
	}
}

// attach publishes the live connection and moves to Connected. Resetting
// the attempt counter happens here and nowhere else.
func (c *Channel) attach(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	now := time.Now().UTC()
	c.mu.Lock()
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.lastConnected = &now
	c.lastError = ""
	c.mu.Unlock()
}

func (c *Channel) detach(conn *websocket.Conn, err error) {
	c.writeMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.writeMu.Unlock()
	conn.Close()

	c.mu.Lock()
	c.reconnects++
	if err != nil && !isCleanClose(err) {
		c.state = StateError
		c.lastError = err.Error()
	} else {
		c.state = StateDisconnected
		c.lastError = ""
	}
	c.mu.Unlock()
}

// isCleanClose reports whether a read error is the peer shutting the
// connection down in an orderly way rather than a transport failure.
func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (c *Channel) connectFailed(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts++
	c.state = StateError
	c.lastError = err.Error()
	return c.reconnectAttempts
}

func (c *Channel) setState(state State, errMsg string) {
	c.mu.Lock()
	c.state = state
	c.lastError = errMsg
	c.mu.Unlock()
}

// Subscribe registers interest in a (channel, symbol) pair. The first
// subscriber on a pair triggers a subscribe frame to the backend; further
// subscribers on the same pair piggyback on it.
func (c *Channel) Subscribe(channel, symbol string, handler Handler) (*Subscription, error) {
	if channel == "" || symbol == "" {
		return nil, fmt.Errorf("channel and symbol are required")
	}

	sub := &Subscription{channel: channel, symbol: symbol, handler: handler, owner: c}

	c.mu.Lock()
	keys, ok := c.subs[channel]
	if !ok {
		keys = make(map[string][]*Subscription)
		c.subs[channel] = keys
	}
	first := len(keys[symbol]) == 0
	keys[symbol] = append(keys[symbol], sub)
	c.mu.Unlock()

	if first {
		c.sendControl("subscribe", channel, []string{symbol})
	}
	return sub, nil
}

func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	keys := c.subs[sub.channel]
	remaining := keys[sub.symbol][:0]
	for _, s := range keys[sub.symbol] {
		if s != sub {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(keys, sub.symbol)
		if len(keys) == 0 {
			delete(c.subs, sub.channel)
		}
	} else {
		keys[sub.symbol] = remaining
	}
	last := len(remaining) == 0
	c.mu.Unlock()

	if last {
		c.sendControl("unsubscribe", sub.channel, []string{sub.symbol})
	}
}

// sendControl writes a subscription control frame if connected. When not
// connected nothing is queued: the full subscription set is re-issued on
// the next successful connect.
func (c *Channel) sendControl(kind, channel string, symbols []string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.writeJSONLocked(controlMessage{Type: kind, Channel: channel, Symbols: symbols}); err != nil {
		c.log.WithComponent("realtime_channel").WithError(err).Warn("failed to send subscription control")
	}
}

// resubscribe replays subscription intents for every tracked pair.
func (c *Channel) resubscribe(conn *websocket.Conn) error {
	c.mu.Lock()
	intents := make([]controlMessage, 0, len(c.subs))
	for channel, keys := range c.subs {
		symbols := make([]string, 0, len(keys))
		for symbol := range keys {
			symbols = append(symbols, symbol)
		}
		intents = append(intents, controlMessage{Type: "subscribe", Channel: channel, Symbols: symbols})
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, intent := range intents {
		if err := c.writeJSONLocked(intent); err != nil {
			return err
		}
	}
	return nil
}

// Send delivers a message to the backend. While disconnected the message
// is queued and flushed, in order, right after the next connect.
func (c *Channel) Send(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		if max := c.cfg.OutboundBuffer; max > 0 && len(c.outbound) >= max {
			return fmt.Errorf("outbound buffer full (%d messages)", max)
		}
		c.outbound = append(c.outbound, msg)
		c.log.WithComponent("realtime_channel").WithFields(logger.Fields{
			"type":   msg.Type,
			"queued": len(c.outbound),
		}).Debug("disconnected, message queued")
		return nil
	}
	return c.writeJSONLocked(msg)
}

// flushOutbound drains the queued messages onto a fresh connection.
func (c *Channel) flushOutbound(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != conn || len(c.outbound) == 0 {
		return
	}
	queued := c.outbound
	c.outbound = nil
	c.log.WithComponent("realtime_channel").WithFields(logger.Fields{
		"queued": len(queued),
	}).Info("flushing queued outbound messages")
	for i, msg := range queued {
		if err := c.writeJSONLocked(msg); err != nil {
			// Connection died mid-flush; keep the unsent tail for the
			// next connect.
			c.outbound = append(queued[i:], c.outbound...)
			return
		}
	}
}

func (c *Channel) writeJSONLocked(v interface{}) error {
	timeout := orDuration(c.cfg.WriteTimeout, defaultWriteTimeout)
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	c.mu.Lock()
	c.messagesSent++
	c.mu.Unlock()
	metrics.IncrementMessage("sent")
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.mu.Lock()
		c.messagesReceived++
		c.mu.Unlock()
		metrics.IncrementMessage("received")

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.WithComponent("realtime_channel").WithError(err).Debug("dropping malformed frame")
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes a frame to the subscribers of its (channel, symbol)
// pair. Frames for unknown pairs are dropped without error.
func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	var handlers []Handler
	if keys, ok := c.subs[msg.Channel]; ok {
		for _, sub := range keys[msg.Symbol] {
			if sub.handler != nil {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Channel) startPingLoop(ctx context.Context, conn *websocket.Conn) context.CancelFunc {
	interval := orDuration(c.cfg.PingInterval, defaultPingInterval)
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					c.log.WithComponent("realtime_channel").WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the channel's counters and state.
func (c *Channel) Stats() Stats {
	c.writeMu.Lock()
	queued := len(c.outbound)
	c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, keys := range c.subs {
		count += len(keys)
	}
	return Stats{
		State:             c.state,
		ReconnectAttempts: c.reconnectAttempts,
		LastConnected:     c.lastConnected,
		LastError:         c.lastError,
		QueuedOutbound:    queued,
		Subscriptions:     count,
		MessagesSent:      c.messagesSent,
		MessagesReceived:  c.messagesReceived,
		Reconnects:        c.reconnects,
	}
}

func waitReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func orFloat(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
