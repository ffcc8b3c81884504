package huddle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2020, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func makeMessage(id, channel string, sec int, text string) Message {
	return Message{
		ID:        id,
		ChannelID: channel,
		SenderID:  "user-001",
		Content:   ptr(text),
		Type:      MessageText,
		CreatedAt: at(sec),
		UpdatedAt: at(sec),
	}
}

func makeReply(id, channel, root string, sec int) Message {
	m := makeMessage(id, channel, sec, "reply "+id)
	m.ParentMessageID = ptr(root)
	return m
}

func makePage(channel string, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = makeMessage(fmt.Sprintf("m%02d", i+1), channel, i+1, fmt.Sprintf("message %d", i+1))
	}
	return out
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func chanKey(channel string) WindowKey {
	return WindowKey{ChannelID: channel, Limit: 50}
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fastRealtime reconnects quickly in tests.
var fastRealtime = RealtimeConfig{
	ReconnectBaseDelay:   5 * time.Millisecond,
	ReconnectMaxDelay:    20 * time.Millisecond,
	MaxReconnectAttempts: -1,
}

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires an engine for user to backend.
func newTestEngine(t *testing.T, backend *MemoryBackend, user string, opts ...EngineOption) *Engine {
	t.Helper()
	sess := backend.Session(user)
	all := append([]EngineOption{
		WithUser(user, user),
		WithRealtimeConfig(fastRealtime),
		WithLogger(discardTestLogger()),
	}, opts...)
	e := NewEngine(sess, sess, all...)
	t.Cleanup(func() { e.Close() })
	return e
}

// openLoaded opens a view and waits for its first page and subscription.
func openLoaded(t *testing.T, e *Engine, key WindowKey) *View {
	t.Helper()
	v, err := e.OpenView(context.Background(), key)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !v.Info().Loading && v.State() == StateSubscribed
	}, 2*time.Second, 5*time.Millisecond)
	return v
}

func waitSettled(t *testing.T, op *Operation) Settlement {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := op.Wait(ctx)
	require.NoError(t, err, "operation did not settle")
	return st
}
