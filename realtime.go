package huddle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Transport
// ============================================================================

// Conn is one open push connection for a channel.
type Conn interface {
	// Read blocks for the next envelope.
	Read(ctx context.Context) (Envelope, error)
	// Write sends an envelope upstream (typing signals).
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens push connections. Delivery is at least once, possibly
// duplicated and reordered; nothing is redelivered across a reconnect.
type Dialer interface {
	Dial(ctx context.Context, channelID string) (Conn, error)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Bus and its dialers.
type RealtimeConfig struct {
	// MaxReconnectAttempts bounds consecutive failed reconnects; negative
	// means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter resets the attempt counter once a connection has lasted
	// this long.
	StableAfter time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

// ConnState is the connection state of a channel subscription.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateSubscribed   ConnState = "subscribed"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: config.StableAfter,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) markDisconnected() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Bus
// ============================================================================

// Bus is the registry of push connections, one per channel id, shared by
// reference count between subscriptions.
type Bus struct {
	dialer Dialer
	config RealtimeConfig
	log    *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelConn
	nextID   uint64
	closed   bool
}

// NewBus creates a bus over dialer.
func NewBus(dialer Dialer, config *RealtimeConfig) *Bus {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Bus{
		dialer:   dialer,
		config:   cfg,
		log:      cfg.Logger.With("component", "bus"),
		channels: make(map[string]*channelConn),
	}
}

// Subscribe opens, or shares, the connection for channelID. Connecting
// happens in the background; watch OnState for progress.
func (b *Bus) Subscribe(channelID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	cc, ok := b.channels[channelID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		cc = &channelConn{
			bus:       b,
			channelID: channelID,
			cancel:    cancel,
			done:      make(chan struct{}),
			state:     StateConnecting,
			log:       b.log.With("channel", channelID),
		}
		if b.closed {
			cancel()
			cc.state = StateDisconnected
			close(cc.done)
		} else {
			b.channels[channelID] = cc
			go cc.run(ctx)
		}
	}
	cc.refs++
	return &Subscription{id: b.nextID, cc: cc}
}

// Channels lists channel ids with an open connection.
func (b *Bus) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every connection.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*channelConn, 0, len(b.channels))
	for id, cc := range b.channels {
		conns = append(conns, cc)
		delete(b.channels, id)
	}
	b.mu.Unlock()

	for _, cc := range conns {
		cc.cancel()
		<-cc.done
	}
}

func (b *Bus) release(cc *channelConn) {
	b.mu.Lock()
	cc.refs--
	last := cc.refs == 0
	if last && b.channels[cc.channelID] == cc {
		delete(b.channels, cc.channelID)
	}
	b.mu.Unlock()

	if last {
		// Not waiting for done: Close may run on the read goroutine.
		cc.cancel()
	}
}

// ── Channel connection ───────────────────────────────────

type listener struct {
	sub uint64
	fn  func(Event)
}

type channelConn struct {
	bus       *Bus
	channelID string
	refs      int // guarded by bus.mu
	cancel    context.CancelFunc
	done      chan struct{}
	log       *slog.Logger

	mu        sync.Mutex
	state     ConnState
	conn      Conn
	listeners map[EventKind][]listener
	onState   []listener
	onResync  []listener
}

func (c *channelConn) run(ctx context.Context) {
	defer close(c.done)
	recon := newReconnector(&c.bus.config)
	subscribedOnce := false

	for {
		conn, err := c.bus.dialer.Dial(ctx, c.channelID)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			recon.markConnected()
			c.setState(StateSubscribed)
			if subscribedOnce {
				c.log.Info("resubscribed, resync required")
				c.bus.config.Metrics.resync(c.channelID)
				c.emitResync()
			}
			subscribedOnce = true

			err = c.readLoop(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			recon.markDisconnected()
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if !recon.shouldReconnect() {
			c.log.Warn("giving up on push connection", "err", err, "attempts", recon.attempt)
			c.setState(StateDisconnected)
			return
		}
		delay := recon.nextDelay()
		c.log.Warn("push connection lost", "err", err, "attempt", recon.attempt, "retry_in", delay)
		c.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

func (c *channelConn) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			c.log.Warn("dropping undecodable event", "type", env.Type, "err", err)
			c.bus.config.Metrics.dropped(string(env.Type))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *channelConn) dispatch(ev Event) {
	c.mu.Lock()
	handlers := append([]listener(nil), c.listeners[ev.Kind()]...)
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall(string(ev.Kind()), func() { h.fn(ev) })
	}
}

func (c *channelConn) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("listener panicked", "event", what, "panic", r)
		}
	}()
	fn()
}

func (c *channelConn) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := append([]listener(nil), c.onState...)
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall("state", func() { h.fn(stateEvent(s)) })
	}
}

func (c *channelConn) emitResync() {
	c.mu.Lock()
	handlers := append([]listener(nil), c.onResync...)
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall("resync", func() { h.fn(nil) })
	}
}

func (c *channelConn) remove(sub uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	drop := func(ls []listener) []listener {
		out := ls[:0]
		for _, l := range ls {
			if l.sub != sub {
				out = append(out, l)
			}
		}
		return out
	}
	for k, ls := range c.listeners {
		c.listeners[k] = drop(ls)
	}
	c.onState = drop(c.onState)
	c.onResync = drop(c.onResync)
}

// stateEvent smuggles a state through the listener signature; it is never
// seen by event listeners.
type stateEvent ConnState

func (stateEvent) Kind() EventKind { return "" }
func (stateEvent) Channel() string { return "" }
func (stateEvent) isEvent()        {}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is one holder's handle on a channel connection.
type Subscription struct {
	id   uint64
	cc   *channelConn
	once sync.Once
}

// ChannelID returns the subscribed channel.
func (s *Subscription) ChannelID() string { return s.cc.channelID }

// On registers fn for events of kind. Listeners run synchronously on the
// connection's read goroutine in delivery order.
func (s *Subscription) On(kind EventKind, fn func(Event)) {
	s.cc.mu.Lock()
	defer s.cc.mu.Unlock()
	if s.cc.listeners == nil {
		s.cc.listeners = make(map[EventKind][]listener)
	}
	s.cc.listeners[kind] = append(s.cc.listeners[kind], listener{sub: s.id, fn: fn})
}

// OnState registers fn for connection state changes.
func (s *Subscription) OnState(fn func(ConnState)) {
	s.cc.mu.Lock()
	defer s.cc.mu.Unlock()
	s.cc.onState = append(s.cc.onState, listener{sub: s.id, fn: func(ev Event) {
		fn(ConnState(ev.(stateEvent)))
	}})
}

// OnResync registers fn for "resync required" after a re-subscribe.
func (s *Subscription) OnResync(fn func()) {
	s.cc.mu.Lock()
	defer s.cc.mu.Unlock()
	s.cc.onResync = append(s.cc.onResync, listener{sub: s.id, fn: func(Event) { fn() }})
}

// State returns the current connection state.
func (s *Subscription) State() ConnState {
	s.cc.mu.Lock()
	defer s.cc.mu.Unlock()
	return s.cc.state
}

// SendTyping sends a typing signal upstream.
func (s *Subscription) SendTyping(ctx context.Context, sig TypingSignal) error {
	s.cc.mu.Lock()
	conn := s.cc.conn
	s.cc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send typing: %w", ErrTransientNetwork)
	}
	env, err := EncodeEvent(TypingChangedEvent{ChannelID: s.cc.channelID, At: time.Now(), Signal: sig})
	if err != nil {
		return err
	}
	return conn.Write(ctx, env)
}

// Close drops this subscription's listeners; the last Close for a channel
// closes its connection in the background.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cc.remove(s.id)
		s.cc.bus.release(s.cc)
	})
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WSDialer dials the WebSocket push endpoint /ws/channels/{id}.
type WSDialer struct {
	BaseURL           string
	Token             string
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
}

func (d *WSDialer) Dial(ctx context.Context, channelID string) (Conn, error) {
	u := strings.Replace(d.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/") + "/ws/channels/" + url.PathEscape(channelID)

	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}
	c, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	interval := d.HeartbeatInterval
	if interval == 0 {
		interval = 25 * time.Second
	}
	hbCtx, cancel := context.WithCancel(ctx)
	conn := &wsConn{c: c, cancel: cancel}
	go conn.heartbeat(hbCtx, interval)
	return conn, nil
}

type wsConn struct {
	c      *websocket.Conn
	cancel context.CancelFunc
}

func (w *wsConn) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	err := wsjson.Read(ctx, w.c, &env)
	return env, err
}

func (w *wsConn) Write(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) Close() error {
	w.cancel()
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (w *wsConn) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := w.c.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed: force the read loop into a reconnect.
				w.c.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// SSE transport
// ============================================================================

// SSEDialer reads the server-sent event stream /sse/channels/{id}. Typing
// signals go out as POST /api/channels/{id}/typing.
type SSEDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// StaleAfter closes a stream that has been silent this long.
	StaleAfter time.Duration
}

func (d *SSEDialer) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *SSEDialer) Dial(ctx context.Context, channelID string) (Conn, error) {
	base := strings.TrimRight(d.BaseURL, "/")
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base+"/sse/channels/"+url.PathEscape(channelID), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	stale := d.StaleAfter
	if stale == 0 {
		stale = 45 * time.Second
	}
	c := &sseConn{
		dialer:    d,
		channelID: channelID,
		body:      resp,
		scanner:   bufio.NewScanner(resp.Body),
		cancel:    cancel,
		lastData:  time.Now(),
	}
	go c.watchdog(streamCtx, stale)
	return c, nil
}

type sseConn struct {
	dialer    *SSEDialer
	channelID string
	body      *http.Response
	scanner   *bufio.Scanner
	cancel    context.CancelFunc

	mu       sync.Mutex
	lastData time.Time
}

func (c *sseConn) Read(ctx context.Context) (Envelope, error) {
	for c.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		line := c.scanner.Text()

		c.mu.Lock()
		c.lastData = time.Now()
		c.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var env Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				continue
			}
			return env, nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, errors.New("stream ended")
}

func (c *sseConn) Write(ctx context.Context, env Envelope) error {
	base := strings.TrimRight(c.dialer.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/api/channels/"+url.PathEscape(c.channelID)+"/typing", bytes.NewReader(env.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.dialer.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.dialer.Token)
	}
	resp, err := c.dialer.client().Do(req)
	if err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &APIError{Code: "HTTP_ERROR", Message: fmt.Sprintf("typing: HTTP %d", resp.StatusCode), Status: resp.StatusCode}
	}
	return nil
}

func (c *sseConn) Close() error {
	c.cancel()
	return c.body.Body.Close()
}

func (c *sseConn) watchdog(ctx context.Context, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastData) > staleAfter
			c.mu.Unlock()
			if stale {
				c.cancel()
				return
			}
		}
	}
}
