package huddle

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func seededBackend(t *testing.T, n int) *MemoryBackend {
	t.Helper()
	b := NewMemoryBackend()
	b.Seed(makePage("c1", n)...)
	return b
}

func find(v *View, id string) *Message {
	for _, m := range v.Messages() {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// flush publishes a marker message and waits for v to show it. Events
// published before it on the same channel have been applied by then.
func flush(t *testing.T, b *MemoryBackend, v *View, id string) {
	t.Helper()
	marker := makeMessage(id, v.Key().ChannelID, 0, "marker")
	marker.CreatedAt = time.Now()
	marker.UpdatedAt = marker.CreatedAt
	require.NoError(t, b.Publish(NewMessageEvent{ChannelID: marker.ChannelID, At: marker.CreatedAt, Message: marker}))
	require.Eventually(t, func() bool { return find(v, id) != nil }, waitFor, tick)
}

func placeholders(v *View) int {
	n := 0
	for _, id := range v.IDs() {
		if strings.HasPrefix(id, placeholderPrefix) {
			n++
		}
	}
	return n
}

func TestEngineOpenViewLoadsFirstPage(t *testing.T) {
	b := seededBackend(t, 3)
	e := newTestEngine(t, b, "user-001")

	v := openLoaded(t, e, chanKey("c1"))
	assert.Equal(t, []string{"m01", "m02", "m03"}, v.IDs())
	assert.Equal(t, 1, b.Connections("c1"))

	_, err := e.OpenView(context.Background(), WindowKey{})
	assert.Error(t, err)
}

func TestEngineViewsShareChannelConnection(t *testing.T) {
	b := seededBackend(t, 3)
	e := newTestEngine(t, b, "user-001")

	v1 := openLoaded(t, e, chanKey("c1"))
	v2 := openLoaded(t, e, WindowKey{ChannelID: "c1", Limit: 2})
	assert.Equal(t, []string{"m02", "m03"}, v2.IDs())
	assert.Equal(t, 1, b.Connections("c1"))

	v1.Close()
	v1.Close()
	assert.Equal(t, StateSubscribed, v2.State())
	v2.Close()
	require.Eventually(t, func() bool { return b.Connections("c1") == 0 }, waitFor, tick)
}

func TestEngineSendSwapsPlaceholder(t *testing.T) {
	b := seededBackend(t, 2)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	var changes atomic.Int32
	v.OnChange(func() { changes.Add(1) })

	op := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("hello")})
	require.True(t, strings.HasPrefix(op.PlaceholderID, placeholderPrefix))
	assert.Equal(t, []string{"m01", "m02", op.PlaceholderID}, v.IDs(), "the placeholder shows up at once")

	st := waitSettled(t, op)
	require.NoError(t, st.Err)
	assert.Equal(t, MutationCreate, st.Kind)
	assert.Equal(t, "msg-000001", st.MessageID)
	assert.Equal(t, op.PlaceholderID, st.PlaceholderID)
	require.NotNil(t, st.Message)
	assert.Equal(t, "hello", st.Message.Text())

	require.Eventually(t, func() bool {
		return slices.Equal(v.IDs(), []string{"m01", "m02", "msg-000001"})
	}, waitFor, tick)
	assert.Positive(t, changes.Load())
}

func TestEngineSendEchoBeforeResponse(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	release := b.HoldResponses(OpCreate)
	op := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("hi")})

	require.Eventually(t, func() bool {
		return slices.Equal(v.IDs(), []string{"m01", "msg-000001"})
	}, waitFor, tick, "the echo swaps the placeholder")
	select {
	case <-op.Done():
		t.Fatal("operation settled before its response")
	default:
	}

	release()
	st := waitSettled(t, op)
	require.NoError(t, st.Err)
	assert.Equal(t, "msg-000001", st.MessageID)
	assert.Equal(t, []string{"m01", "msg-000001"}, v.IDs())
}

func TestEngineSendResponseBeforeEcho(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	release := b.HoldEvents()
	st := waitSettled(t, e.Send(CreateMessageInput{ChannelID: "c1", Content: String("hi")}))
	require.NoError(t, st.Err)
	assert.Equal(t, []string{"m01", "msg-000001"}, v.IDs())

	release()
	flush(t, b, v, "marker")
	assert.Equal(t, 0, placeholders(v))
	assert.Equal(t, []string{"m01", "msg-000001", "marker"}, v.IDs())
}

func TestEngineSendWithoutClientIDEcho(t *testing.T) {
	b := NewMemoryBackend(WithoutClientIDEcho())
	b.Seed(makePage("c1", 1)...)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	release := b.HoldResponses(OpCreate)
	op := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("hi")})
	require.Eventually(t, func() bool { return find(v, "msg-000001") != nil }, waitFor, tick)

	release()
	require.NoError(t, waitSettled(t, op).Err)
	assert.Equal(t, []string{"m01", "msg-000001"}, v.IDs(), "the placeholder is dropped, not duplicated")
}

func TestEngineSendOfflineRollsBack(t *testing.T) {
	b := seededBackend(t, 2)
	e := newTestEngine(t, b, "user-001", WithMutationTimeout(50*time.Millisecond))
	v := openLoaded(t, e, chanKey("c1"))

	b.SetOffline(true)
	op := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("into the void")})
	assert.Len(t, v.IDs(), 3)

	st := waitSettled(t, op)
	require.Error(t, st.Err)
	var merr *MutationError
	require.ErrorAs(t, st.Err, &merr)
	assert.True(t, merr.Retryable())
	assert.ErrorIs(t, st.Err, ErrTransientNetwork)
	assert.Equal(t, []string{"m01", "m02"}, v.IDs(), "the placeholder is removed")
	assert.Equal(t, 2, b.Len("c1"))
}

func TestEngineSendValidationFailure(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	openLoaded(t, e, chanKey("c1"))

	st := waitSettled(t, e.Send(CreateMessageInput{Content: String("nowhere")}))
	require.Error(t, st.Err)
	assert.ErrorIs(t, st.Err, ErrConflict)
	var apiErr *APIError
	require.ErrorAs(t, st.Err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
}

func TestEngineReplyBumpsRootThreadCount(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	op := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("in thread"), ParentMessageID: String("m01")})
	assert.Equal(t, 1, find(v, "m01").ThreadCount)
	assert.Equal(t, []string{"m01"}, v.IDs())

	require.NoError(t, waitSettled(t, op).Err)
	assert.Equal(t, 1, find(v, "m01").ThreadCount)

	thread := openLoaded(t, e, WindowKey{ChannelID: "c1", ThreadID: "m01", Limit: 50})
	assert.Equal(t, []string{"msg-000001"}, thread.IDs())
}

func TestEngineEditRollbackRestoresExactly(t *testing.T) {
	b := seededBackend(t, 2)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))
	before := find(v, "m01")

	b.FailNext(OpUpdate, &APIError{Code: "CONFLICT", Message: "version mismatch", Status: 409})
	op := e.Edit("m01", "rewritten", nil)
	predicted := find(v, "m01")
	assert.Equal(t, "rewritten", predicted.Text())
	assert.True(t, predicted.IsEdited)

	st := waitSettled(t, op)
	require.Error(t, st.Err)
	assert.ErrorIs(t, st.Err, ErrConflict)
	var merr *MutationError
	require.ErrorAs(t, st.Err, &merr)
	assert.False(t, merr.Retryable())
	assert.Equal(t, MutationEdit, merr.Kind)
	assert.Equal(t, before, find(v, "m01"))
}

func TestEngineEditCommits(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	st := waitSettled(t, e.Edit("m01", "fixed typo", []string{"user-002"}))
	require.NoError(t, st.Err)

	got := find(v, "m01")
	assert.Equal(t, "fixed typo", got.Text())
	assert.True(t, got.IsEdited)
	assert.Equal(t, []string{"user-002"}, got.Mentions)
	server, _ := b.Message("m01")
	assert.Equal(t, "fixed typo", server.Text())
}

func TestEngineEditOthersMessageForbidden(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-002")
	v := openLoaded(t, e, chanKey("c1"))

	st := waitSettled(t, e.Edit("m01", "not mine", nil))
	assert.ErrorIs(t, st.Err, ErrConflict)
	assert.Equal(t, "message 1", find(v, "m01").Text())
}

func TestEngineEditPlaceholderRejected(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	openLoaded(t, e, chanKey("c1"))

	b.SetOffline(true)
	send := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("pending")})

	st := waitSettled(t, e.Edit(send.PlaceholderID, "too soon", nil))
	assert.ErrorIs(t, st.Err, ErrConflict)
}

func TestEngineTwoTabsDeleteThenEdit(t *testing.T) {
	b := seededBackend(t, 2)
	a := newTestEngine(t, b, "user-001")
	c := newTestEngine(t, b, "user-001")
	va := openLoaded(t, a, chanKey("c1"))
	vc := openLoaded(t, c, chanKey("c1"))
	original, _ := b.Message("m01")

	require.NoError(t, waitSettled(t, a.Delete("m01")).Err)
	assert.Equal(t, []string{"m02"}, va.IDs())
	require.Eventually(t, func() bool { return find(vc, "m01") == nil }, waitFor, tick)

	st := waitSettled(t, c.Edit("m01", "too late", nil))
	require.Error(t, st.Err)
	assert.ErrorIs(t, st.Err, ErrConflict)

	// a replayed creation cannot resurrect the message
	require.NoError(t, b.Publish(NewMessageEvent{ChannelID: "c1", At: time.Now(), Message: *original}))
	flush(t, b, vc, "marker")
	assert.Equal(t, []string{"m02", "marker"}, vc.IDs())

	require.NoError(t, vc.Refresh(context.Background()))
	assert.Equal(t, []string{"m02", "marker"}, vc.IDs())
	assert.Equal(t, 1, b.Len("c1"))
}

func TestEngineDeleteRacesRemoteDelete(t *testing.T) {
	b := seededBackend(t, 2)
	a := newTestEngine(t, b, "user-001")
	c := newTestEngine(t, b, "user-002")
	openLoaded(t, a, chanKey("c1"))
	vc := openLoaded(t, c, chanKey("c1"))

	release := b.HoldResponses(OpDelete)
	opA := a.Delete("m02")
	require.Eventually(t, func() bool { return find(vc, "m02") == nil }, waitFor, tick)

	// the other tab's delete hits a message that is already gone
	opC := c.Delete("m02")
	stC := waitSettled(t, opC)
	assert.ErrorIs(t, stC.Err, ErrConflict)

	release()
	assert.NoError(t, waitSettled(t, opA).Err)
	assert.Equal(t, []string{"m01"}, vc.IDs())
}

func TestEngineDeleteFailureRestores(t *testing.T) {
	b := seededBackend(t, 3)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	b.FailNext(OpDelete, &APIError{Code: "INTERNAL", Message: "boom", Status: 500})
	op := e.Delete("m02")
	assert.Equal(t, []string{"m01", "m03"}, v.IDs())

	st := waitSettled(t, op)
	assert.ErrorIs(t, st.Err, ErrTransientNetwork)
	assert.Equal(t, []string{"m01", "m02", "m03"}, v.IDs())
}

func TestEngineDoubleTogglePin(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	release := b.HoldResponses(OpPin)
	op1 := e.TogglePin("m01")
	op2 := e.TogglePin("m01")
	assert.True(t, find(v, "m01").IsPinned, "the first toggle predicts at once")

	// the echo lands while the response is held
	require.Eventually(t, func() bool {
		m, _ := b.Message("m01")
		return m.IsPinned
	}, waitFor, tick)
	select {
	case <-op2.Done():
		t.Fatal("second toggle must wait for the first")
	default:
	}

	release()
	st1 := waitSettled(t, op1)
	st2 := waitSettled(t, op2)
	require.NoError(t, st1.Err)
	require.NoError(t, st2.Err)
	assert.Equal(t, MutationPin, st1.Kind)
	assert.Equal(t, MutationUnpin, st2.Kind)

	require.Eventually(t, func() bool { return !find(v, "m01").IsPinned }, waitFor, tick)
	server, _ := b.Message("m01")
	assert.False(t, server.IsPinned)
}

func TestEnginePinEchoFromOtherUser(t *testing.T) {
	b := seededBackend(t, 1)
	a := newTestEngine(t, b, "user-001")
	c := newTestEngine(t, b, "user-002")
	openLoaded(t, a, chanKey("c1"))
	vc := openLoaded(t, c, chanKey("c1"))

	require.NoError(t, waitSettled(t, a.Pin("m01")).Err)
	require.Eventually(t, func() bool {
		m := find(vc, "m01")
		return m.IsPinned && m.PinnedBy != nil && *m.PinnedBy == "user-001"
	}, waitFor, tick)

	require.NoError(t, waitSettled(t, a.Unpin("m01")).Err)
	require.Eventually(t, func() bool { return !find(vc, "m01").IsPinned }, waitFor, tick)
	assert.Nil(t, find(vc, "m01").PinnedAt)
}

func TestEngineReactions(t *testing.T) {
	b := seededBackend(t, 1)
	a := newTestEngine(t, b, "user-001")
	c := newTestEngine(t, b, "user-002")
	va := openLoaded(t, a, chanKey("c1"))
	vc := openLoaded(t, c, chanKey("c1"))

	op := a.React("m01", "👍")
	assert.Equal(t, []Reaction{{Emoji: "👍", UserID: "user-001"}}, find(va, "m01").Reactions)
	require.NoError(t, waitSettled(t, op).Err)

	require.NoError(t, waitSettled(t, c.React("m01", "👍")).Err)
	require.Eventually(t, func() bool { return len(find(va, "m01").Reactions) == 2 }, waitFor, tick)

	b.FailNext(OpReact, &APIError{Code: "UNAVAILABLE", Message: "try later", Status: 503})
	st := waitSettled(t, a.React("m01", "🎉"))
	assert.ErrorIs(t, st.Err, ErrTransientNetwork)
	got := find(va, "m01").Reactions
	assert.Len(t, got, 2)
	assert.NotContains(t, got, Reaction{Emoji: "🎉", UserID: "user-001"})

	require.NoError(t, waitSettled(t, a.Unreact("m01", "👍")).Err)
	require.Eventually(t, func() bool {
		return slices.Equal(find(vc, "m01").Reactions, []Reaction{{Emoji: "👍", UserID: "user-002"}})
	}, waitFor, tick)
}

func TestEngineRemoteEventsNotifyViews(t *testing.T) {
	b := seededBackend(t, 1)
	a := newTestEngine(t, b, "user-001")
	c := newTestEngine(t, b, "user-002")
	va := openLoaded(t, a, chanKey("c1"))
	openLoaded(t, c, chanKey("c1"))

	changed := make(chan struct{}, 16)
	va.OnChange(func() { changed <- struct{}{} })
	va.OnChange(func() { panic("listener bug") })

	require.NoError(t, waitSettled(t, c.Send(CreateMessageInput{ChannelID: "c1", Content: String("from c")})).Err)
	select {
	case <-changed:
	case <-time.After(waitFor):
		t.Fatal("view was not notified")
	}
	require.Eventually(t, func() bool { return find(va, "msg-000001") != nil }, waitFor, tick)
}

func TestEngineLoadOlder(t *testing.T) {
	b := seededBackend(t, 5)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, WindowKey{ChannelID: "c1", Limit: 2})
	assert.Equal(t, []string{"m04", "m05"}, v.IDs())
	assert.True(t, v.Info().HasOlder)

	release := b.HoldResponses(OpFetch)
	require.True(t, v.LoadOlder())
	assert.False(t, v.LoadOlder(), "one backward fetch at a time")
	assert.True(t, v.Info().FetchingOlder)
	release()

	require.Eventually(t, func() bool { return len(v.IDs()) == 4 && !v.Info().FetchingOlder }, waitFor, tick)
	assert.Equal(t, []string{"m02", "m03", "m04", "m05"}, v.IDs())

	require.True(t, v.LoadOlder())
	require.Eventually(t, func() bool { return len(v.IDs()) == 5 && !v.Info().FetchingOlder }, waitFor, tick)
	assert.False(t, v.Info().HasOlder)
	assert.False(t, v.LoadOlder())
}

func TestEngineResyncAfterReconnect(t *testing.T) {
	b := seededBackend(t, 2)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	// written while nobody is listening
	b.Seed(makeMessage("m03", "c1", 3, "missed"))
	b.DropConnections("c1")

	require.Eventually(t, func() bool { return find(v, "m03") != nil }, waitFor, tick)
	assert.Equal(t, StateSubscribed, v.State())
}

func TestEngineResyncDropsMessagesDeletedInGap(t *testing.T) {
	b := seededBackend(t, 3)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))
	require.Equal(t, []string{"m01", "m02", "m03"}, v.IDs())

	// deleted while nobody is listening
	gone, _ := b.Message("m02")
	gone.IsDeleted = true
	b.Seed(*gone)
	b.DropConnections("c1")

	require.Eventually(t, func() bool { return find(v, "m02") == nil }, waitFor, tick)
	assert.Equal(t, []string{"m01", "m03"}, v.IDs())
	assert.Equal(t, StateSubscribed, v.State())
}

func TestEngineTypingAcrossEngines(t *testing.T) {
	b := seededBackend(t, 1)
	a := newTestEngine(t, b, "user-001")
	c := newTestEngine(t, b, "user-002")
	openLoaded(t, a, chanKey("c1"))
	vc := openLoaded(t, c, chanKey("c1"))

	typing := a.Typing("c1")
	assert.Same(t, typing, a.Typing("c1"))
	require.True(t, typing.Keystroke())
	require.Eventually(t, func() bool {
		users := vc.TypingUsers()
		return len(users) == 1 && users[0].UserID == "user-001"
	}, waitFor, tick)
	assert.Empty(t, a.TypingUsers("c1"), "own signals are not echoed back")

	require.True(t, typing.Stop())
	require.Eventually(t, func() bool { return len(vc.TypingUsers()) == 0 }, waitFor, tick)
}

func TestEngineSettlementHooks(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	openLoaded(t, e, chanKey("c1"))

	got := make(chan Settlement, 4)
	e.OnSettled(func(st Settlement) { got <- st })
	e.OnSettled(func(Settlement) { panic("hook bug") })

	op := e.Pin("m01")
	waitSettled(t, op)
	select {
	case st := <-got:
		assert.Equal(t, op.Result().OperationID, st.OperationID)
		assert.Equal(t, MutationPin, st.Kind)
	case <-time.After(waitFor):
		t.Fatal("hook not called")
	}
}

func TestEngineCloseSettlesInFlight(t *testing.T) {
	b := seededBackend(t, 1)
	e := newTestEngine(t, b, "user-001")
	v := openLoaded(t, e, chanKey("c1"))

	b.SetOffline(true)
	op := e.Send(CreateMessageInput{ChannelID: "c1", Content: String("lost")})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	st := waitSettled(t, op)
	assert.ErrorIs(t, st.Err, ErrTransientNetwork)

	_, err := e.OpenView(context.Background(), chanKey("c2"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.Is(waitSettled(t, e.Pin("m01")).Err, ErrClosed))
	assert.Equal(t, []string{"m01"}, v.IDs())
}

func TestEngineSnapshotWarmStart(t *testing.T) {
	store, err := OpenPebbleSnapshotStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := seededBackend(t, 3)
	e1 := newTestEngine(t, b, "user-001", WithSnapshotStore(store))
	v1 := openLoaded(t, e1, chanKey("c1"))
	v1.Close()

	b.SetOffline(true)
	e2 := newTestEngine(t, b, "user-001", WithSnapshotStore(store))
	v2, err := e2.OpenView(context.Background(), chanKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m01", "m02", "m03"}, v2.IDs(), "cached history renders before the network answers")
	assert.True(t, v2.Info().Loading)
}
