package huddle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryOp names a backend operation for fault injection.
type MemoryOp string

const (
	OpFetch  MemoryOp = "fetch"
	OpCreate MemoryOp = "create"
	OpUpdate MemoryOp = "update"
	OpDelete MemoryOp = "delete"
	OpPin    MemoryOp = "pin"
	OpReact  MemoryOp = "react"
)

// MemoryBackend is a goroutine-safe in-memory Huddle server. Each user
// talks to it through a MemorySession, which is both a DataSource and a
// push Dialer. It backs the dev server and the engine tests.
type MemoryBackend struct {
	mu       sync.Mutex
	clock    func() time.Time
	last     time.Time
	seq      int
	messages map[string]*Message
	conns    map[string]map[*memConn]struct{}

	echoClientID bool
	offline      bool
	failures     map[MemoryOp][]error
	holds        map[MemoryOp]chan struct{}
	holdEvents   bool
	heldEvents   []heldEnvelope
}

type heldEnvelope struct {
	env    Envelope
	except *memConn
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryClock sets the backend clock. Timestamps stay strictly
// increasing even when the clock stands still.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.clock = clock }
}

// WithoutClientIDEcho makes created messages come back without the
// sender's client nonce, like servers that do not support it.
func WithoutClientIDEcho() MemoryOption {
	return func(b *MemoryBackend) { b.echoClientID = false }
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		clock:        time.Now,
		messages:     make(map[string]*Message),
		conns:        make(map[string]map[*memConn]struct{}),
		echoClientID: true,
		failures:     make(map[MemoryOp][]error),
		holds:        make(map[MemoryOp]chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Session returns the backend as seen by one user.
func (b *MemoryBackend) Session(userID string) *MemorySession {
	return &MemorySession{b: b, userID: userID}
}

func (b *MemoryBackend) nowLocked() time.Time {
	t := b.clock()
	if !t.After(b.last) {
		t = b.last.Add(time.Microsecond)
	}
	b.last = t
	return t
}

// ── Seeding and inspection ───────────────────────────────

// Seed stores messages as-is, without broadcasting.
func (b *MemoryBackend) Seed(msgs ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range msgs {
		m := msgs[i].Clone()
		if m.ID == "" {
			b.seq++
			m.ID = fmt.Sprintf("msg-%06d", b.seq)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = b.nowLocked()
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = m.CreatedAt
		}
		if m.CreatedAt.After(b.last) {
			b.last = m.CreatedAt
		}
		b.messages[m.ID] = m
	}
}

// Message returns the stored copy of a message.
func (b *MemoryBackend) Message(id string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[id]
	return m.Clone(), ok
}

// Len returns the number of live messages in a channel.
func (b *MemoryBackend) Len(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m.ChannelID == channelID && !m.IsDeleted {
			n++
		}
	}
	return n
}

// ── Fault injection ──────────────────────────────────────

// FailNext makes the next call of op fail with err before it changes
// anything.
func (b *MemoryBackend) FailNext(op MemoryOp, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// HoldResponses lets calls of op apply and broadcast, then holds their
// responses until release is called. A held call whose context ends
// returns the context error, as if the response was lost.
func (b *MemoryBackend) HoldResponses(op MemoryOp) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.holds[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.holds[op] == gate {
				delete(b.holds, op)
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// HoldEvents buffers every broadcast until release is called.
func (b *MemoryBackend) HoldEvents() (release func()) {
	b.mu.Lock()
	b.holdEvents = true
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.holdEvents = false
		held := b.heldEvents
		b.heldEvents = nil
		for _, h := range held {
			b.deliverLocked(h.env, h.except)
		}
	}
}

// SetOffline makes calls block until their context ends and refuses
// dials. Going offline drops every push connection.
func (b *MemoryBackend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	var drop []*memConn
	if offline {
		for _, set := range b.conns {
			for c := range set {
				drop = append(drop, c)
			}
		}
	}
	b.mu.Unlock()
	for _, c := range drop {
		c.Close()
	}
}

// DropConnections closes every push connection of a channel.
func (b *MemoryBackend) DropConnections(channelID string) {
	b.mu.Lock()
	var drop []*memConn
	for c := range b.conns[channelID] {
		drop = append(drop, c)
	}
	b.mu.Unlock()
	for _, c := range drop {
		c.Close()
	}
}

// Connections returns the number of open push connections of a channel.
func (b *MemoryBackend) Connections(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[channelID])
}

// Publish broadcasts an arbitrary event, for replaying duplicates or
// out-of-order deliveries.
func (b *MemoryBackend) Publish(ev Event) error {
	env, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(env, nil)
	return nil
}

// enter runs the common preamble of every call. It returns with b.mu held
// on success.
func (b *MemoryBackend) enter(ctx context.Context, op MemoryOp) error {
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if errs := b.failures[op]; len(errs) > 0 {
		b.failures[op] = errs[1:]
		b.mu.Unlock()
		return errs[0]
	}
	return nil
}

// leave releases b.mu and waits on a response hold for op, if any.
func (b *MemoryBackend) leave(ctx context.Context, op MemoryOp) error {
	gate := b.holds[op]
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBackend) liveLocked(id string) (*Message, error) {
	m, ok := b.messages[id]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "message " + id + " not found", Status: 404}
	}
	if m.IsDeleted {
		return nil, &APIError{Code: "GONE", Message: "message " + id + " was deleted", Status: 410}
	}
	return m, nil
}

// ── Broadcast ────────────────────────────────────────────

func (b *MemoryBackend) emitLocked(ev Event, except *memConn) {
	env, err := EncodeEvent(ev)
	if err != nil {
		return
	}
	b.broadcastLocked(env, except)
}

func (b *MemoryBackend) broadcastLocked(env Envelope, except *memConn) {
	if b.holdEvents {
		b.heldEvents = append(b.heldEvents, heldEnvelope{env: env, except: except})
		return
	}
	b.deliverLocked(env, except)
}

func (b *MemoryBackend) deliverLocked(env Envelope, except *memConn) {
	for c := range b.conns[env.ChannelID] {
		if c == except {
			continue
		}
		select {
		case c.ch <- env:
		default:
			// A reader that fell this far behind resyncs after reconnecting.
			go c.Close()
		}
	}
}

// ============================================================================
// MemorySession
// ============================================================================

// MemorySession is one user's connection to a MemoryBackend.
type MemorySession struct {
	b      *MemoryBackend
	userID string
}

// UserID returns the session's user.
func (s *MemorySession) UserID() string { return s.userID }

func (s *MemorySession) FetchPage(ctx context.Context, channelID string, q PageQuery) ([]Message, error) {
	b := s.b
	if err := b.enter(ctx, OpFetch); err != nil {
		return nil, err
	}
	var all []*Message
	for _, m := range b.messages {
		if m.ChannelID != channelID || m.IsDeleted {
			continue
		}
		if q.ThreadID == "" && m.IsReply() {
			continue
		}
		if q.ThreadID != "" && (!m.IsReply() || *m.ParentMessageID != q.ThreadID) {
			continue
		}
		all = append(all, m)
	}
	slices.SortFunc(all, func(x, y *Message) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var page []*Message
	switch {
	case q.BeforeMessageID != "":
		i := slices.IndexFunc(all, func(m *Message) bool { return m.ID == q.BeforeMessageID })
		if i < 0 {
			b.mu.Unlock()
			return nil, &APIError{Code: "NOT_FOUND", Message: "cursor " + q.BeforeMessageID + " not found", Status: 404}
		}
		page = all[max(i-limit, 0):i]
	case q.AfterMessageID != "":
		i := slices.IndexFunc(all, func(m *Message) bool { return m.ID == q.AfterMessageID })
		if i < 0 {
			b.mu.Unlock()
			return nil, &APIError{Code: "NOT_FOUND", Message: "cursor " + q.AfterMessageID + " not found", Status: 404}
		}
		page = all[i+1 : min(i+1+limit, len(all))]
	default:
		end := max(len(all)-q.Offset, 0)
		page = all[max(end-limit, 0):end]
	}
	out := make([]Message, len(page))
	for i, m := range page {
		out[i] = *m.Clone()
	}
	if err := b.leave(ctx, OpFetch); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemorySession) CreateMessage(ctx context.Context, in CreateMessageInput) (*Message, error) {
	b := s.b
	if err := b.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	if in.ChannelID == "" {
		b.mu.Unlock()
		return nil, &APIError{Code: "INVALID", Message: "channel id required", Status: 422}
	}
	if in.ParentMessageID != nil && *in.ParentMessageID != "" {
		root, err := b.liveLocked(*in.ParentMessageID)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		root.ThreadCount++
	}
	now := b.nowLocked()
	b.seq++
	m := &Message{
		ID:              fmt.Sprintf("msg-%06d", b.seq),
		ChannelID:       in.ChannelID,
		SenderID:        s.userID,
		Content:         clonePtr(in.Content),
		Type:            in.Type,
		ParentMessageID: clonePtr(in.ParentMessageID),
		Mentions:        slices.Clone(in.Mentions),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if m.Type == "" {
		m.Type = MessageText
	}
	if b.echoClientID {
		m.ClientID = in.ClientID
	}
	b.messages[m.ID] = m
	b.emitLocked(NewMessageEvent{ChannelID: m.ChannelID, At: now, Message: *m.Clone()}, nil)
	out := m.Clone()
	if err := b.leave(ctx, OpCreate); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemorySession) UpdateMessage(ctx context.Context, messageID, content string, mentions []string) (*Message, error) {
	b := s.b
	if err := b.enter(ctx, OpUpdate); err != nil {
		return nil, err
	}
	m, err := b.liveLocked(messageID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if m.SenderID != s.userID {
		b.mu.Unlock()
		return nil, &APIError{Code: "FORBIDDEN", Message: "only the sender can edit", Status: 403}
	}
	now := b.nowLocked()
	m.Content = ptr(content)
	if mentions != nil {
		m.Mentions = slices.Clone(mentions)
	}
	m.IsEdited = true
	m.EditedAt = ptr(now)
	m.UpdatedAt = now
	b.emitLocked(MessageUpdatedEvent{ChannelID: m.ChannelID, At: now, Patch: aspectPatch(m, aspectContent)}, nil)
	out := m.Clone()
	if err := b.leave(ctx, OpUpdate); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemorySession) DeleteMessage(ctx context.Context, messageID string) error {
	b := s.b
	if err := b.enter(ctx, OpDelete); err != nil {
		return err
	}
	m, err := b.liveLocked(messageID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	now := b.nowLocked()
	m.IsDeleted = true
	m.DeletedAt = ptr(now)
	m.UpdatedAt = now
	if m.IsReply() {
		if root, ok := b.messages[*m.ParentMessageID]; ok && root.ThreadCount > 0 {
			root.ThreadCount--
		}
	}
	b.emitLocked(MessageDeletedEvent{ChannelID: m.ChannelID, At: now, MessageID: m.ID}, nil)
	return b.leave(ctx, OpDelete)
}

func (s *MemorySession) SetPinned(ctx context.Context, messageID string, pinned bool) (*Message, error) {
	b := s.b
	if err := b.enter(ctx, OpPin); err != nil {
		return nil, err
	}
	m, err := b.liveLocked(messageID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	now := b.nowLocked()
	if m.IsPinned != pinned {
		m.IsPinned = pinned
		if pinned {
			m.PinnedAt, m.PinnedBy = ptr(now), ptr(s.userID)
		} else {
			m.PinnedAt, m.PinnedBy = nil, nil
		}
		m.UpdatedAt = now
		if pinned {
			b.emitLocked(MessagePinnedEvent{ChannelID: m.ChannelID, At: now, Message: *m.Clone()}, nil)
		} else {
			b.emitLocked(MessageUnpinnedEvent{ChannelID: m.ChannelID, At: now, MessageID: m.ID}, nil)
		}
	}
	out := m.Clone()
	if err := b.leave(ctx, OpPin); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemorySession) AddReaction(ctx context.Context, messageID, emoji string) error {
	return s.react(ctx, messageID, emoji, true)
}

func (s *MemorySession) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return s.react(ctx, messageID, emoji, false)
}

func (s *MemorySession) react(ctx context.Context, messageID, emoji string, add bool) error {
	b := s.b
	if err := b.enter(ctx, OpReact); err != nil {
		return err
	}
	m, err := b.liveLocked(messageID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	r := Reaction{Emoji: emoji, UserID: s.userID}
	i := slices.Index(m.Reactions, r)
	changed := false
	switch {
	case add && i < 0:
		m.Reactions = append(m.Reactions, r)
		changed = true
	case !add && i >= 0:
		m.Reactions = slices.Delete(m.Reactions, i, i+1)
		changed = true
	}
	if changed {
		now := b.nowLocked()
		m.UpdatedAt = now
		b.emitLocked(MessageUpdatedEvent{ChannelID: m.ChannelID, At: now, Patch: aspectPatch(m, aspectReactions)}, nil)
	}
	return b.leave(ctx, OpReact)
}

// Dial opens a push connection for the session's user.
func (s *MemorySession) Dial(ctx context.Context, channelID string) (Conn, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, errors.New("memory backend offline")
	}
	c := &memConn{
		b:         b,
		userID:    s.userID,
		channelID: channelID,
		ch:        make(chan Envelope, 1024),
		done:      make(chan struct{}),
	}
	if b.conns[channelID] == nil {
		b.conns[channelID] = make(map[*memConn]struct{})
	}
	b.conns[channelID][c] = struct{}{}
	return c, nil
}

var (
	_ DataSource = (*MemorySession)(nil)
	_ Dialer     = (*MemorySession)(nil)
)

// ============================================================================
// Push connection
// ============================================================================

type memConn struct {
	b         *MemoryBackend
	userID    string
	channelID string
	ch        chan Envelope
	done      chan struct{}
	once      sync.Once
}

func (c *memConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.ch:
		return env, nil
	case <-c.done:
		return Envelope{}, errors.New("connection closed")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Write accepts typing envelopes and relays them to the channel's other
// connections.
func (c *memConn) Write(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	if env.Type != KindTypingChanged {
		return fmt.Errorf("unsupported client event %q", env.Type)
	}
	env.ChannelID = c.channelID
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	env.At = c.b.nowLocked()
	c.b.broadcastLocked(env, c)
	return nil
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.b.mu.Lock()
		delete(c.b.conns[c.channelID], c)
		c.b.mu.Unlock()
	})
	return nil
}
