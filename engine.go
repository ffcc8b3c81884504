// Package huddle is the Go client SDK for Huddle channels.
//
// Its core is a realtime message sync engine: it keeps a cached, paginated,
// ordered view of each open channel consistent while push events arrive
// duplicated or out of order and local optimistic mutations succeed, fail
// or race their own echoes.
//
// Example:
//
//	client := huddle.NewClient("hk-...")
//	engine := huddle.NewEngine(client, client.Dialer(), huddle.WithUser("u1", "Ada"))
//	defer engine.Close()
//
//	view, _ := engine.OpenView(ctx, huddle.WindowKey{ChannelID: "general"})
//	view.OnChange(func() { render(view.Messages()) })
//	op := engine.Send(huddle.CreateMessageInput{ChannelID: "general", Content: huddle.String("hi")})
//	settled, _ := op.Wait(ctx)
package huddle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Contracts
// ============================================================================

// DataSource is the request/response data-access contract.
type DataSource interface {
	FetchPage(ctx context.Context, channelID string, q PageQuery) ([]Message, error)
	CreateMessage(ctx context.Context, in CreateMessageInput) (*Message, error)
	UpdateMessage(ctx context.Context, messageID, content string, mentions []string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SetPinned(ctx context.Context, messageID string, pinned bool) (*Message, error)
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
}

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultPageSize        = 50
	DefaultMutationTimeout = 10 * time.Second
	DefaultFetchTimeout    = 30 * time.Second
)

// Config holds engine settings. Zero values take defaults.
type Config struct {
	UserID          string
	UserName        string
	PageSize        int
	MutationTimeout time.Duration
	FetchTimeout    time.Duration
	TypingTTL       time.Duration
	TypingRefresh   time.Duration
	Realtime        RealtimeConfig
	Logger          *slog.Logger
	Metrics         *Metrics
	Snapshots       SnapshotStore
	Clock           func() time.Time
}

func (c *Config) defaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MutationTimeout == 0 {
		c.MutationTimeout = DefaultMutationTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Config)

func WithUser(id, name string) EngineOption {
	return func(c *Config) { c.UserID, c.UserName = id, name }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(c *Config) { c.Metrics = m }
}

func WithSnapshotStore(s SnapshotStore) EngineOption {
	return func(c *Config) { c.Snapshots = s }
}

func WithClock(clock func() time.Time) EngineOption {
	return func(c *Config) { c.Clock = clock }
}

func WithPageSize(n int) EngineOption {
	return func(c *Config) { c.PageSize = n }
}

// WithMutationTimeout bounds each mutation call; a call still running
// after d is rolled back as a transient failure.
func WithMutationTimeout(d time.Duration) EngineOption {
	return func(c *Config) { c.MutationTimeout = d }
}

func WithTyping(ttl, refresh time.Duration) EngineOption {
	return func(c *Config) { c.TypingTTL, c.TypingRefresh = ttl, refresh }
}

func WithRealtimeConfig(rc RealtimeConfig) EngineOption {
	return func(c *Config) { c.Realtime = rc }
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the facade the UI layer talks to. Its mutex stands in for the
// UI thread: the store, the ledger's records and the window registry are
// only touched while it is held, and network calls never run under it.
type Engine struct {
	cfg    Config
	source DataSource
	bus    *Bus
	typing *TypingTracker
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	store    *Store
	ledger   *Ledger
	rec      *reconciler
	views    map[WindowKey][]*View
	channels map[string]*channelSub
	locals   map[string]*LocalTyping
	closed   bool

	hooksMu sync.Mutex
	settled []func(Settlement)
}

type channelSub struct {
	sub  *Subscription
	refs int
}

// NewEngine creates an engine over a data source and a push dialer.
func NewEngine(source DataSource, dialer Dialer, opts ...EngineOption) *Engine {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore()
	ledger := NewLedger(cfg.Clock)
	e := &Engine{
		cfg:      cfg,
		source:   source,
		bus:      NewBus(dialer, &cfg.Realtime),
		typing:   NewTypingTracker(cfg.TypingTTL, cfg.Clock),
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		ledger:   ledger,
		rec:      newReconciler(store, ledger, cfg.Clock, cfg.Logger),
		views:    make(map[WindowKey][]*View),
		channels: make(map[string]*channelSub),
		locals:   make(map[string]*LocalTyping),
	}
	e.typing.OnChange(e.notifyChannel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.typing.Run(ctx, time.Second)
	}()
	return e
}

// Close stops the engine. In-flight mutations are rolled back as transient
// failures; open views stop receiving events.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	snaps := make(map[WindowKey][]*Message, len(e.views))
	for key := range e.views {
		snaps[key] = e.store.Window(key)
	}
	e.mu.Unlock()

	e.cancel()
	e.bus.Close()
	e.wg.Wait()
	for key, msgs := range snaps {
		e.saveSnapshot(key, msgs)
	}
	return nil
}

// OnSettled registers fn for every mutation settlement.
func (e *Engine) OnSettled(fn func(Settlement)) {
	e.hooksMu.Lock()
	e.settled = append(e.settled, fn)
	e.hooksMu.Unlock()
}

// TypingUsers returns who is typing in a channel right now.
func (e *Engine) TypingUsers(channelID string) []TypingEntry {
	return e.typing.Users(channelID)
}

// Typing returns the local typing emitter for a channel. Signals go out
// over the channel's push connection while a view of it is open.
func (e *Engine) Typing(channelID string) *LocalTyping {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lt, ok := e.locals[channelID]; ok {
		return lt
	}
	lt := NewLocalTyping(e.cfg.TypingRefresh, e.cfg.Clock, func(isTyping bool) {
		e.sendTyping(channelID, isTyping)
	})
	e.locals[channelID] = lt
	return lt
}

func (e *Engine) sendTyping(channelID string, isTyping bool) {
	e.mu.Lock()
	cs := e.channels[channelID]
	e.mu.Unlock()
	if cs == nil {
		e.log.Debug("typing signal dropped, channel not open", "channel", channelID)
		return
	}
	sig := TypingSignal{UserID: e.cfg.UserID, UserName: e.cfg.UserName, IsTyping: isTyping}
	e.goTracked(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		defer cancel()
		if err := cs.sub.SendTyping(ctx, sig); err != nil {
			e.log.Debug("send typing failed", "channel", channelID, "err", err)
		}
	})
}

func (e *Engine) goTracked(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// unlockAndNotify releases the engine lock and then tells every view whose
// window changed in the critical section.
func (e *Engine) unlockAndNotify() {
	var targets []*View
	for _, key := range e.store.TakeDirty() {
		targets = append(targets, e.views[key]...)
	}
	windows, pending := len(e.views), e.ledger.Len()
	e.mu.Unlock()

	e.cfg.Metrics.gauges(windows, pending)
	for _, v := range targets {
		v.notify()
	}
}

func (e *Engine) notifyChannel(channelID string) {
	e.mu.Lock()
	var targets []*View
	for key, vs := range e.views {
		if key.ChannelID == channelID {
			targets = append(targets, vs...)
		}
	}
	e.mu.Unlock()
	for _, v := range targets {
		v.notify()
	}
}

// ── Channel subscriptions ────────────────────────────────

func (e *Engine) acquireChannel(channelID string) {
	if cs, ok := e.channels[channelID]; ok {
		cs.refs++
		return
	}
	sub := e.bus.Subscribe(channelID)
	for _, kind := range []EventKind{KindNewMessage, KindMessageUpdated, KindMessageDeleted, KindMessagePinned, KindMessageUnpinned} {
		sub.On(kind, e.handleEvent)
	}
	sub.On(KindTypingChanged, func(ev Event) {
		sig := ev.(TypingChangedEvent).Signal
		if sig.UserID != e.cfg.UserID {
			e.typing.Signal(channelID, sig)
		}
	})
	sub.OnState(func(s ConnState) {
		e.log.Info("connection state", "channel", channelID, "state", s)
		e.notifyChannel(channelID)
	})
	sub.OnResync(func() { e.resync(channelID) })
	e.channels[channelID] = &channelSub{sub: sub, refs: 1}
}

func (e *Engine) releaseChannel(channelID string) {
	cs, ok := e.channels[channelID]
	if !ok {
		return
	}
	cs.refs--
	if cs.refs > 0 {
		return
	}
	delete(e.channels, channelID)
	cs.sub.Close()
	e.typing.Forget(channelID)
}

func (e *Engine) handleEvent(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	err := e.rec.apply(ev)
	e.unlockAndNotify()

	switch {
	case err == nil:
		e.cfg.Metrics.event(ev.Kind(), "applied")
	case errors.Is(err, ErrDuplicateEvent):
		e.cfg.Metrics.event(ev.Kind(), "duplicate")
	case errors.Is(err, ErrStaleReference):
		e.cfg.Metrics.event(ev.Kind(), "stale")
	default:
		e.cfg.Metrics.event(ev.Kind(), "error")
		e.log.Warn("event not applied", "channel", ev.Channel(), "kind", ev.Kind(), "err", err)
	}
}

// resync refetches every open window of a channel after a gap.
func (e *Engine) resync(channelID string) {
	e.mu.Lock()
	var keys []WindowKey
	gens := make(map[WindowKey]uint64)
	for key := range e.views {
		if key.ChannelID != channelID {
			continue
		}
		if info, ok := e.store.Info(key); ok {
			keys = append(keys, key)
			gens[key] = info.Generation
		}
	}
	e.mu.Unlock()

	e.log.Info("resync", "channel", channelID, "windows", len(keys), "reason", ErrDesync)
	for _, key := range keys {
		key, gen := key, gens[key]
		e.goTracked(func() {
			_ = e.fetch(e.ctx, key, gen, key.Query(), Newer, "resync")
		})
	}
}

// ── Pages ────────────────────────────────────────────────

// fetch loads one page and merges it, unless the window was closed or
// reopened (a new generation) while the request was in flight.
func (e *Engine) fetch(ctx context.Context, key WindowKey, gen uint64, q PageQuery, dir Direction, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	msgs, err := e.source.FetchPage(ctx, key.ChannelID, q)
	cancel()

	e.mu.Lock()
	info, ok := e.store.Info(key)
	if !ok || info.Generation != gen || e.closed {
		e.mu.Unlock()
		e.cfg.Metrics.fetch(reason, "discarded")
		return nil
	}
	if dir == Older {
		e.store.EndFetchOlder(key)
	}
	if err != nil {
		if info.Loading {
			e.store.SetLoading(key, false)
		}
		e.unlockAndNotify()
		e.cfg.Metrics.fetch(reason, "failed")
		e.log.Warn("page fetch failed", "channel", key.ChannelID, "reason", reason, "err", err)
		return classify(err)
	}
	e.rec.mergePage(key, msgs, dir)
	e.unlockAndNotify()
	e.cfg.Metrics.fetch(reason, "ok")
	return nil
}

// OpenView opens (or shares) the window for key and subscribes to its
// channel. The first page loads in the background; watch OnChange.
func (e *Engine) OpenView(ctx context.Context, key WindowKey) (*View, error) {
	if key.ChannelID == "" {
		return nil, errors.New("open view: missing channel id")
	}
	if key.Limit == 0 {
		key.Limit = e.cfg.PageSize
	}
	var warm []Message
	if e.cfg.Snapshots != nil {
		msgs, err := e.cfg.Snapshots.Load(key)
		if err != nil {
			e.log.Warn("snapshot load failed", "channel", key.ChannelID, "err", err)
		}
		warm = msgs
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	created := e.store.OpenWindow(key)
	if created && len(warm) > 0 {
		e.rec.mergePage(key, warm, Newer)
		e.store.SetLoading(key, true)
	}
	info, _ := e.store.Info(key)
	e.acquireChannel(key.ChannelID)
	v := &View{e: e, key: key}
	e.views[key] = append(e.views[key], v)
	e.unlockAndNotify()

	if created {
		e.goTracked(func() {
			_ = e.fetch(e.ctx, key, info.Generation, key.Query(), Newer, "initial")
		})
	}
	return v, nil
}

// ============================================================================
// View
// ============================================================================

// View is one UI consumer of a cache window.
type View struct {
	e   *Engine
	key WindowKey

	mu       sync.Mutex
	onChange []func()
	closed   bool
}

// Key returns the window key.
func (v *View) Key() WindowKey { return v.key }

// Messages returns the ordered visible messages.
func (v *View) Messages() []*Message {
	v.e.mu.Lock()
	defer v.e.mu.Unlock()
	return v.e.store.Window(v.key)
}

// IDs returns the ordered visible message ids.
func (v *View) IDs() []string {
	v.e.mu.Lock()
	defer v.e.mu.Unlock()
	return v.e.store.WindowIDs(v.key)
}

// Info returns the window metadata.
func (v *View) Info() WindowInfo {
	v.e.mu.Lock()
	defer v.e.mu.Unlock()
	info, _ := v.e.store.Info(v.key)
	return info
}

// State returns the push connection state of the view's channel.
func (v *View) State() ConnState {
	v.e.mu.Lock()
	cs := v.e.channels[v.key.ChannelID]
	v.e.mu.Unlock()
	if cs == nil {
		return StateDisconnected
	}
	return cs.sub.State()
}

// TypingUsers returns who is typing in the view's channel.
func (v *View) TypingUsers() []TypingEntry {
	return v.e.TypingUsers(v.key.ChannelID)
}

// OnChange registers fn, called after any change to the window, its
// channel's typing set or its connection state.
func (v *View) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = append(v.onChange, fn)
	v.mu.Unlock()
}

func (v *View) notify() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	handlers := slices.Clone(v.onChange)
	v.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					v.e.log.Error("view listener panicked", "channel", v.key.ChannelID, "panic", r)
				}
			}()
			h()
		}()
	}
}

// LoadOlder starts a backward fetch. It returns false when one is already
// in flight for the window, or there is no older history.
func (v *View) LoadOlder() bool {
	e := v.e
	e.mu.Lock()
	if v.isClosed() || !e.store.BeginFetchOlder(v.key) {
		e.mu.Unlock()
		return false
	}
	cursor := e.store.OldestID(v.key)
	if cursor == "" {
		e.store.EndFetchOlder(v.key)
		e.unlockAndNotify()
		return false
	}
	info, _ := e.store.Info(v.key)
	e.unlockAndNotify()

	q := PageQuery{Limit: v.key.Limit, BeforeMessageID: cursor, ThreadID: v.key.ThreadID}
	e.goTracked(func() {
		_ = e.fetch(e.ctx, v.key, info.Generation, q, Older, "older")
	})
	return true
}

// Refresh refetches the window's first page and waits for the merge.
func (v *View) Refresh(ctx context.Context) error {
	e := v.e
	e.mu.Lock()
	info, ok := e.store.Info(v.key)
	e.mu.Unlock()
	if !ok || v.isClosed() {
		return ErrClosed
	}
	return e.fetch(ctx, v.key, info.Generation, v.key.Query(), Newer, "refresh")
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Close releases the view. In-flight fetches for it are discarded;
// mutations still settle into the shared store.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	e := v.e
	e.mu.Lock()
	vs := e.views[v.key]
	if i := slices.Index(vs, v); i >= 0 {
		vs = slices.Delete(vs, i, i+1)
	}
	if len(vs) == 0 {
		delete(e.views, v.key)
	} else {
		e.views[v.key] = vs
	}
	snapshot := e.store.Window(v.key)
	gone := e.store.CloseWindow(v.key)
	e.releaseChannel(v.key.ChannelID)
	e.unlockAndNotify()

	if gone {
		e.saveSnapshot(v.key, snapshot)
	}
}

func (e *Engine) saveSnapshot(key WindowKey, msgs []*Message) {
	if e.cfg.Snapshots == nil {
		return
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !isPlaceholderID(m.ID) {
			out = append(out, *m)
		}
	}
	if err := e.cfg.Snapshots.Save(key, out); err != nil {
		e.log.Warn("snapshot save failed", "channel", key.ChannelID, "err", err)
	}
}

// ============================================================================
// Mutations
// ============================================================================

// Settlement is the outcome of one optimistic mutation.
type Settlement struct {
	OperationID string
	Kind        MutationKind
	// MessageID is the target; for creates, the server id once known.
	MessageID     string
	PlaceholderID string
	// Message is the authoritative record returned by the server, if any.
	Message *Message
	// Err is nil or a *MutationError.
	Err error
}

// Operation is the handle returned by a mutation trigger.
type Operation struct {
	// PlaceholderID is the temporary id of a Send's optimistic message.
	PlaceholderID string

	done   chan struct{}
	result Settlement
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

// Done is closed when the mutation settles.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Result returns the settlement; valid after Done is closed.
func (o *Operation) Result() Settlement { return o.result }

// Wait blocks until the mutation settles or ctx ends.
func (o *Operation) Wait(ctx context.Context) (Settlement, error) {
	select {
	case <-o.done:
		return o.result, nil
	case <-ctx.Done():
		return Settlement{}, ctx.Err()
	}
}

type mutation struct {
	kind     MutationKind
	target   string
	lane     string
	toggle   bool
	reaction Reaction
	predict  func(cur *Message) *Message
	call     func(ctx context.Context, kind MutationKind) (*Message, error)
	op       *Operation
}

// Send creates a message. A placeholder appears at the live tail at once
// and is swapped in place for the server record when it is confirmed.
func (e *Engine) Send(in CreateMessageInput) *Operation {
	now := e.cfg.Clock()
	if in.Type == "" {
		in.Type = MessageText
	}
	in.ClientID = uuid.NewString()
	placeholder := &Message{
		ID:              placeholderID(in.ClientID),
		ClientID:        in.ClientID,
		ChannelID:       in.ChannelID,
		SenderID:        e.cfg.UserID,
		Content:         clonePtr(in.Content),
		Type:            in.Type,
		ParentMessageID: clonePtr(in.ParentMessageID),
		Mentions:        slices.Clone(in.Mentions),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	op := newOperation()
	op.PlaceholderID = placeholder.ID
	return e.run(&mutation{
		kind:    MutationCreate,
		target:  placeholder.ID,
		lane:    Lane(MutationCreate, ""),
		predict: func(*Message) *Message { return placeholder.Clone() },
		call: func(ctx context.Context, _ MutationKind) (*Message, error) {
			return e.source.CreateMessage(ctx, in)
		},
		op: op,
	})
}

// Edit replaces a message's content.
func (e *Engine) Edit(messageID, content string, mentions []string) *Operation {
	return e.run(&mutation{
		kind:   MutationEdit,
		target: messageID,
		lane:   Lane(MutationEdit, ""),
		predict: func(cur *Message) *Message {
			if cur == nil {
				return nil
			}
			cur.Content = ptr(content)
			if mentions != nil {
				cur.Mentions = slices.Clone(mentions)
			}
			cur.IsEdited = true
			cur.EditedAt = ptr(e.cfg.Clock())
			return cur
		},
		call: func(ctx context.Context, _ MutationKind) (*Message, error) {
			return e.source.UpdateMessage(ctx, messageID, content, mentions)
		},
		op: newOperation(),
	})
}

// Delete removes a message.
func (e *Engine) Delete(messageID string) *Operation {
	return e.run(&mutation{
		kind:   MutationDelete,
		target: messageID,
		lane:   Lane(MutationDelete, ""),
		call: func(ctx context.Context, _ MutationKind) (*Message, error) {
			return nil, e.source.DeleteMessage(ctx, messageID)
		},
		op: newOperation(),
	})
}

// Pin pins a message.
func (e *Engine) Pin(messageID string) *Operation {
	return e.run(e.pinMutation(messageID, MutationPin, false))
}

// Unpin unpins a message.
func (e *Engine) Unpin(messageID string) *Operation {
	return e.run(e.pinMutation(messageID, MutationUnpin, false))
}

// TogglePin flips the pin state. The direction is decided when the pin
// lane is free, so rapid toggles alternate instead of racing.
func (e *Engine) TogglePin(messageID string) *Operation {
	return e.run(e.pinMutation(messageID, MutationPin, true))
}

func (e *Engine) pinMutation(messageID string, kind MutationKind, toggle bool) *mutation {
	return &mutation{
		kind:   kind,
		target: messageID,
		lane:   Lane(kind, ""),
		toggle: toggle,
		call: func(ctx context.Context, kind MutationKind) (*Message, error) {
			return e.source.SetPinned(ctx, messageID, kind == MutationPin)
		},
		op: newOperation(),
	}
}

func (e *Engine) pinPrediction(kind MutationKind) func(cur *Message) *Message {
	return func(cur *Message) *Message {
		if cur == nil {
			return nil
		}
		cur.IsPinned = kind == MutationPin
		if cur.IsPinned {
			cur.PinnedAt = ptr(e.cfg.Clock())
			cur.PinnedBy = ptr(e.cfg.UserID)
		} else {
			cur.PinnedAt, cur.PinnedBy = nil, nil
		}
		return cur
	}
}

// React adds the user's emoji reaction.
func (e *Engine) React(messageID, emoji string) *Operation {
	return e.run(e.reactionMutation(messageID, emoji, MutationReact))
}

// Unreact removes the user's emoji reaction.
func (e *Engine) Unreact(messageID, emoji string) *Operation {
	return e.run(e.reactionMutation(messageID, emoji, MutationUnreact))
}

func (e *Engine) reactionMutation(messageID, emoji string, kind MutationKind) *mutation {
	r := Reaction{Emoji: emoji, UserID: e.cfg.UserID}
	return &mutation{
		kind:     kind,
		target:   messageID,
		lane:     Lane(kind, emoji),
		reaction: r,
		predict: func(cur *Message) *Message {
			if cur == nil {
				return nil
			}
			i := slices.Index(cur.Reactions, r)
			if kind == MutationReact && i < 0 {
				cur.Reactions = append(cur.Reactions, r)
			} else if kind == MutationUnreact && i >= 0 {
				cur.Reactions = slices.Delete(cur.Reactions, i, i+1)
			}
			return cur
		},
		call: func(ctx context.Context, kind MutationKind) (*Message, error) {
			if kind == MutationReact {
				return nil, e.source.AddReaction(ctx, messageID, emoji)
			}
			return nil, e.source.RemoveReaction(ctx, messageID, emoji)
		},
		op: newOperation(),
	}
}

// run applies the prediction synchronously when the lane is free, or
// queues behind the mutation holding it.
func (e *Engine) run(m *mutation) *Operation {
	if tok, ok := e.ledger.TryAcquire(m.target, m.lane); ok {
		if rec := e.start(tok, m); rec != nil {
			e.goTracked(func() { e.execute(tok, rec, m) })
		}
		return m.op
	}
	e.goTracked(func() {
		tok, err := e.ledger.Acquire(e.ctx, m.target, m.lane)
		if err != nil {
			e.finish(m, Settlement{Kind: m.kind, MessageID: m.target,
				Err: &MutationError{Kind: m.kind, MessageID: m.target, Err: ErrClosed}})
			return
		}
		if rec := e.start(tok, m); rec != nil {
			e.execute(tok, rec, m)
		}
	})
	return m.op
}

// start begins the mutation on a held lane and applies its prediction.
// On refusal it releases the lane, settles the operation and returns nil.
func (e *Engine) start(tok *Token, m *mutation) *MutationRecord {
	e.mu.Lock()
	var refuse error
	switch {
	case e.closed:
		refuse = ErrClosed
	case m.kind != MutationCreate && isPlaceholderID(m.target):
		refuse = fmt.Errorf("%w: message %s is not created yet", ErrConflict, m.target)
	case m.kind != MutationCreate && e.store.Tombstoned(m.target):
		refuse = fmt.Errorf("%w: message %s was deleted", ErrConflict, m.target)
	}
	if refuse != nil {
		e.ledger.Release(tok)
		e.mu.Unlock()
		e.finish(m, Settlement{Kind: m.kind, MessageID: m.target,
			Err: &MutationError{Kind: m.kind, MessageID: m.target, Err: refuse}})
		return nil
	}

	cur, _ := e.store.Get(m.target)
	if m.toggle {
		m.kind = MutationPin
		if cur != nil && cur.IsPinned {
			m.kind = MutationUnpin
		}
	}
	if m.kind == MutationPin || m.kind == MutationUnpin {
		m.predict = e.pinPrediction(m.kind)
	}
	rec := e.ledger.Begin(tok, m.kind, cur, e.store.Versions(m.target), m.predict)
	rec.Reaction = m.reaction
	e.rec.predict(rec)
	e.log.Debug("mutation begun", "op", rec.OperationID, "kind", rec.Kind, "message_id", rec.TargetID)
	e.unlockAndNotify()
	return rec
}

// execute performs the network call and settles the record.
func (e *Engine) execute(tok *Token, rec *MutationRecord, m *mutation) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.MutationTimeout)
	server, err := m.call(ctx, rec.Kind)
	cancel()
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}
	err = classify(err)

	e.mu.Lock()
	st := Settlement{
		OperationID: rec.OperationID,
		Kind:        rec.Kind,
		MessageID:   rec.TargetID,
		Message:     server.Clone(),
	}
	if rec.Kind == MutationCreate {
		st.PlaceholderID = rec.Predicted.ID
	}
	outcome := "committed"
	switch {
	case err == nil:
		if !e.ledger.Commit(rec.OperationID) && rec.Cancelled {
			outcome = "cancelled"
		}
		if !rec.Cancelled {
			e.rec.settle(rec, server)
		}
		if server != nil && rec.Kind == MutationCreate {
			st.MessageID = server.ID
		}
	case rec.Status == StatusCommitted:
		// The echo confirmed it before the call failed.
		outcome = "echo_committed"
		e.log.Warn("mutation call failed after echo commit", "op", rec.OperationID, "kind", rec.Kind, "err", err)
	default:
		if _, ok := e.ledger.Rollback(rec.OperationID); ok {
			e.rec.revert(rec)
			outcome = "rolled_back"
			st.Err = &MutationError{OperationID: rec.OperationID, Kind: rec.Kind, MessageID: rec.TargetID, Err: err}
		} else if rec.Cancelled {
			outcome = "cancelled"
			if rec.Kind != MutationDelete {
				st.Err = &MutationError{OperationID: rec.OperationID, Kind: rec.Kind, MessageID: rec.TargetID,
					Err: fmt.Errorf("%w: message was deleted", ErrConflict)}
			}
		}
	}
	e.ledger.Release(tok)
	e.unlockAndNotify()

	e.cfg.Metrics.mutation(rec.Kind, outcome)
	if st.Err != nil {
		e.log.Warn("mutation rolled back", "op", rec.OperationID, "kind", rec.Kind, "message_id", rec.TargetID, "err", err)
	}
	e.finish(m, st)
}

func (e *Engine) finish(m *mutation, st Settlement) {
	m.op.result = st
	close(m.op.done)

	e.hooksMu.Lock()
	hooks := slices.Clone(e.settled)
	e.hooksMu.Unlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("settlement listener panicked", "op", st.OperationID, "panic", r)
				}
			}()
			h(st)
		}()
	}
}

// String returns a pointer to s, for optional message fields.
func String(s string) *string { return &s }
