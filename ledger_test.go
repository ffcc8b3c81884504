package huddle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLane(t *testing.T) {
	assert.Equal(t, "pin", Lane(MutationPin, ""))
	assert.Equal(t, "pin", Lane(MutationUnpin, ""))
	assert.Equal(t, "reaction:👍", Lane(MutationReact, "👍"))
	assert.Equal(t, "reaction:👍", Lane(MutationUnreact, "👍"))
	assert.NotEqual(t, Lane(MutationReact, "👍"), Lane(MutationReact, "🎉"))
	assert.Equal(t, "edit", Lane(MutationEdit, ""))
	assert.Equal(t, "delete", Lane(MutationDelete, ""))
}

func TestLedgerTryAcquireExclusive(t *testing.T) {
	l := NewLedger(nil)

	tok, ok := l.TryAcquire("m1", "pin")
	require.True(t, ok)

	_, ok = l.TryAcquire("m1", "pin")
	assert.False(t, ok, "lane is held")

	other, ok := l.TryAcquire("m1", "edit")
	assert.True(t, ok, "different lanes on one target are independent")
	l.Release(other)

	l.Release(tok)
	tok, ok = l.TryAcquire("m1", "pin")
	assert.True(t, ok)
	l.Release(tok)
}

func TestLedgerReleaseWakesWaiter(t *testing.T) {
	l := NewLedger(nil)
	first, ok := l.TryAcquire("m1", "pin")
	require.True(t, ok)

	got := make(chan *Token, 1)
	go func() {
		tok, err := l.Acquire(context.Background(), "m1", "pin")
		if err == nil {
			got <- tok
		}
	}()

	select {
	case <-got:
		t.Fatal("second acquire should wait")
	case <-time.After(30 * time.Millisecond):
	}

	l.Release(first)
	select {
	case tok := <-got:
		l.Release(tok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestLedgerAcquireHonoursContext(t *testing.T) {
	l := NewLedger(nil)
	tok, _ := l.TryAcquire("m1", "edit")
	defer l.Release(tok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, "m1", "edit")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLedgerReleaseTwiceIsNoop(t *testing.T) {
	l := NewLedger(nil)
	tok, _ := l.TryAcquire("m1", "edit")
	l.Release(tok)
	l.Release(tok)
	l.Release(nil)

	tok, ok := l.TryAcquire("m1", "edit")
	assert.True(t, ok)
	l.Release(tok)
}

func TestLedgerLifecycle(t *testing.T) {
	l := NewLedger(func() time.Time { return t0 })
	cur := makeMessage("m1", "c1", 1, "before")

	tok, _ := l.TryAcquire("m1", "edit")
	rec := l.Begin(tok, MutationEdit, &cur, versions{}, func(m *Message) *Message {
		m.Content = ptr("after")
		return m
	})

	require.NotEmpty(t, rec.OperationID)
	assert.Equal(t, rec.OperationID, tok.OperationID())
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "before", rec.Previous.Text())
	assert.Equal(t, "after", rec.Predicted.Text())
	assert.True(t, rec.Existed)
	assert.Equal(t, t0, rec.StartedAt)
	assert.Equal(t, "before", cur.Text(), "predict works on a copy")

	pending, ok := l.PendingFor("m1", "edit")
	require.True(t, ok)
	assert.Same(t, rec, pending)
	assert.Equal(t, 1, l.Len())

	assert.True(t, l.Commit(rec.OperationID))
	assert.False(t, l.Commit(rec.OperationID), "already settled")
	_, ok = l.Rollback(rec.OperationID)
	assert.False(t, ok, "committed records do not roll back")
	assert.Equal(t, 0, l.Len())

	l.Release(tok)
	_, ok = l.Get(rec.OperationID)
	assert.False(t, ok)
}

func TestLedgerRollbackReturnsSnapshot(t *testing.T) {
	l := NewLedger(nil)
	cur := makeMessage("m1", "c1", 1, "before")
	tok, _ := l.TryAcquire("m1", "edit")
	defer l.Release(tok)
	rec := l.Begin(tok, MutationEdit, &cur, versions{}, nil)

	got, ok := l.Rollback(rec.OperationID)
	require.True(t, ok)
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Equal(t, "before", got.Previous.Text())
	assert.False(t, l.Commit(rec.OperationID))
}

func TestLedgerCancel(t *testing.T) {
	l := NewLedger(nil)
	cur := makeMessage("m1", "c1", 1, "x")

	editTok, _ := l.TryAcquire("m1", "edit")
	pinTok, _ := l.TryAcquire("m1", "pin")
	otherTok, _ := l.TryAcquire("m2", "pin")
	defer l.Release(editTok)
	defer l.Release(pinTok)
	defer l.Release(otherTok)

	l.Begin(editTok, MutationEdit, &cur, versions{}, nil)
	l.Begin(pinTok, MutationPin, &cur, versions{}, nil)
	l.Begin(otherTok, MutationPin, nil, versions{}, nil)

	cancelled := l.Cancel("m1")
	assert.Len(t, cancelled, 2)
	for _, rec := range cancelled {
		assert.True(t, rec.Cancelled)
		assert.Equal(t, StatusRolledBack, rec.Status)
	}
	assert.Empty(t, l.Pending("m1"))
	assert.Len(t, l.Pending("m2"), 1)
}

func TestLedgerRetargetKeepsLane(t *testing.T) {
	l := NewLedger(nil)
	tok, _ := l.TryAcquire("tmp_abc", "create")
	rec := l.Begin(tok, MutationCreate, nil, versions{}, nil)
	assert.False(t, rec.Existed)
	assert.Nil(t, rec.Previous)

	l.Retarget("tmp_abc", "m9")
	got, ok := l.Get(rec.OperationID)
	require.True(t, ok)
	assert.Equal(t, "m9", got.TargetID)

	// The lane is still keyed by the placeholder until released.
	_, ok = l.TryAcquire("tmp_abc", "create")
	assert.False(t, ok)
	l.Release(tok)
	tok, ok = l.TryAcquire("tmp_abc", "create")
	assert.True(t, ok)
	l.Release(tok)
}
