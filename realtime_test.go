package huddle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake transport
// ============================================================================

type fakeConn struct {
	in      chan Envelope
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Envelope, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.done:
		return Envelope{}, errors.New("closed by server")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, channelID string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestBus(t *testing.T, d Dialer, mutate ...func(*RealtimeConfig)) *Bus {
	t.Helper()
	cfg := fastRealtime
	cfg.Logger = discardTestLogger()
	for _, fn := range mutate {
		fn(&cfg)
	}
	bus := NewBus(d, &cfg)
	t.Cleanup(bus.Close)
	return bus
}

func subscribed(t *testing.T, sub *Subscription) {
	t.Helper()
	require.Eventually(t, func() bool { return sub.State() == StateSubscribed }, waitFor, tick)
}

func envelope(t *testing.T, ev Event) Envelope {
	t.Helper()
	env, err := EncodeEvent(ev)
	require.NoError(t, err)
	return env
}

// ============================================================================
// Tests
// ============================================================================

func TestBusDispatchesInOrder(t *testing.T) {
	d := &fakeDialer{}
	bus := newTestBus(t, d)
	sub := bus.Subscribe("c1")
	defer sub.Close()

	got := make(chan string, 4)
	sub.On(KindMessageDeleted, func(ev Event) { panic("first listener bug") })
	sub.On(KindMessageDeleted, func(ev Event) { got <- ev.(MessageDeletedEvent).MessageID })
	subscribed(t, sub)

	conn := d.latest()
	conn.in <- envelope(t, MessageDeletedEvent{ChannelID: "c1", At: at(1), MessageID: "m1"})
	conn.in <- envelope(t, MessageDeletedEvent{ChannelID: "c1", At: at(2), MessageID: "m2"})

	for _, want := range []string{"m1", "m2"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(waitFor):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusResyncOncePerResubscribe(t *testing.T) {
	d := &fakeDialer{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := newTestBus(t, d, func(c *RealtimeConfig) { c.Metrics = metrics })
	sub := bus.Subscribe("c1")
	defer sub.Close()

	var resyncs atomic.Int32
	sub.OnResync(func() { resyncs.Add(1) })
	subscribed(t, sub)
	assert.Zero(t, resyncs.Load(), "the first connection is not a gap")

	d.latest().Close()
	require.Eventually(t, func() bool { return d.count() == 2 && sub.State() == StateSubscribed }, waitFor, tick)
	require.Eventually(t, func() bool { return resyncs.Load() == 1 }, waitFor, tick)

	d.latest().Close()
	require.Eventually(t, func() bool { return resyncs.Load() == 2 }, waitFor, tick)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.resyncs))
}

func TestBusSharesConnection(t *testing.T) {
	d := &fakeDialer{}
	bus := newTestBus(t, d)

	a := bus.Subscribe("c1")
	b := bus.Subscribe("c1")
	subscribed(t, a)
	subscribed(t, b)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, []string{"c1"}, bus.Channels())

	var gotA, gotB atomic.Int32
	a.On(KindMessageUnpinned, func(Event) { gotA.Add(1) })
	b.On(KindMessageUnpinned, func(Event) { gotB.Add(1) })

	a.Close()
	a.Close()
	conn := d.latest()
	conn.in <- envelope(t, MessageUnpinnedEvent{ChannelID: "c1", At: at(1), MessageID: "m1"})
	require.Eventually(t, func() bool { return gotB.Load() == 1 }, waitFor, tick)
	assert.Zero(t, gotA.Load(), "closed subscriptions stop receiving")
	assert.False(t, conn.isClosed())

	b.Close()
	require.Eventually(t, conn.isClosed, waitFor, tick)
	assert.Empty(t, bus.Channels())
}

func TestBusGivesUp(t *testing.T) {
	d := &fakeDialer{fail: true}
	bus := newTestBus(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = 2 })
	sub := bus.Subscribe("c1")
	defer sub.Close()

	require.Eventually(t, func() bool { return sub.State() == StateDisconnected }, waitFor, tick)
	assert.Equal(t, int32(3), d.dials.Load(), "the first dial plus two retries")
}

func TestBusDropsUndecodableEnvelopes(t *testing.T) {
	d := &fakeDialer{}
	metrics := NewMetrics(nil)
	bus := newTestBus(t, d, func(c *RealtimeConfig) { c.Metrics = metrics })
	sub := bus.Subscribe("c1")
	defer sub.Close()

	got := make(chan Event, 1)
	sub.On(KindNewMessage, func(ev Event) { got <- ev })
	subscribed(t, sub)

	conn := d.latest()
	conn.in <- Envelope{Type: KindNewMessage, ChannelID: "c1", Payload: json.RawMessage(`{"content":"no id"}`)}
	conn.in <- envelope(t, NewMessageEvent{ChannelID: "c1", At: at(1), Message: makeMessage("m1", "c1", 1, "ok")})

	select {
	case ev := <-got:
		assert.Equal(t, "m1", ev.(NewMessageEvent).Message.ID)
	case <-time.After(waitFor):
		t.Fatal("valid event not delivered")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.droppedEnv.WithLabelValues(string(KindNewMessage))))
}

func TestSubscriptionSendTyping(t *testing.T) {
	d := &fakeDialer{fail: true}
	bus := newTestBus(t, d)
	sub := bus.Subscribe("c1")
	defer sub.Close()

	err := sub.SendTyping(context.Background(), TypingSignal{UserID: "u1", IsTyping: true})
	assert.ErrorIs(t, err, ErrTransientNetwork)

	d2 := &fakeDialer{}
	sub2 := newTestBus(t, d2).Subscribe("c1")
	defer sub2.Close()
	subscribed(t, sub2)
	require.NoError(t, sub2.SendTyping(context.Background(), TypingSignal{UserID: "u1", UserName: "Ada", IsTyping: true}))

	conn := d2.latest()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	ev, err := DecodeEvent(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.(TypingChangedEvent).Signal.UserID)
}

func TestBusClosedRejectsSubscribe(t *testing.T) {
	d := &fakeDialer{}
	bus := NewBus(d, &RealtimeConfig{Logger: discardTestLogger()})
	bus.Close()

	sub := bus.Subscribe("c1")
	assert.Equal(t, StateDisconnected, sub.State())
	sub.Close()
	assert.Zero(t, d.dials.Load())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
		StableAfter:          time.Minute,
	})

	d0 := r.nextDelay()
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.Less(t, d0, 150*time.Millisecond)
	d1 := r.nextDelay()
	assert.GreaterOrEqual(t, d1, 200*time.Millisecond)
	assert.True(t, r.shouldReconnect())
	r.nextDelay()
	assert.False(t, r.shouldReconnect())
	for range 5 {
		assert.LessOrEqual(t, r.nextDelay(), time.Second)
	}
}
