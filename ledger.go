package huddle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationKind names a local optimistic mutation.
type MutationKind string

const (
	MutationCreate  MutationKind = "create"
	MutationEdit    MutationKind = "edit"
	MutationDelete  MutationKind = "delete"
	MutationPin     MutationKind = "pin"
	MutationUnpin   MutationKind = "unpin"
	MutationReact   MutationKind = "react"
	MutationUnreact MutationKind = "unreact"
)

// aspect is the part of the message the mutation predicts.
func (k MutationKind) aspect() aspect {
	switch k {
	case MutationPin, MutationUnpin:
		return aspectPin
	case MutationReact, MutationUnreact:
		return aspectReactions
	}
	return aspectContent
}

// Lane returns the serialization lane of a mutation. Mutations sharing a
// target and lane never overlap: pin and unpin share one lane so a fast
// double toggle cannot flip the flag twice with one request in flight.
func Lane(kind MutationKind, emoji string) string {
	switch kind {
	case MutationPin, MutationUnpin:
		return "pin"
	case MutationReact, MutationUnreact:
		return "reaction:" + emoji
	}
	return string(kind)
}

// MutationStatus is the lifecycle state of a ledger record.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusCommitted  MutationStatus = "committed"
	StatusRolledBack MutationStatus = "rolledBack"
)

// MutationRecord tracks one in-flight optimistic mutation.
type MutationRecord struct {
	OperationID string
	TargetID    string
	Kind        MutationKind
	Lane        string
	// Previous is the target before the prediction; nil for creates.
	Previous  *Message
	Predicted *Message
	Existed   bool
	// Reaction is the pair a react or unreact mutation toggles.
	Reaction Reaction
	// Windows held the target before a delete removed it.
	Windows []WindowKey
	// Since holds the target's aspect versions when the mutation began.
	Since     versions
	Status    MutationStatus
	Cancelled bool
	StartedAt time.Time
}

type laneKey struct {
	target string
	lane   string
}

type lane struct {
	sem  chan struct{}
	refs int
}

// Token is a held lane. It must be released exactly once.
type Token struct {
	key      laneKey
	opID     string
	released bool
}

// OperationID returns the id of the mutation begun on this token.
func (t *Token) OperationID() string { return t.opID }

// Ledger serializes optimistic mutations per (target, lane) and keeps the
// snapshots needed to roll them back. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	lanes   map[laneKey]*lane
	records map[string]*MutationRecord
	clock   func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		lanes:   make(map[laneKey]*lane),
		records: make(map[string]*MutationRecord),
		clock:   clock,
	}
}

func (l *Ledger) laneRef(key laneKey) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.lanes[key] = ln
	}
	ln.refs++
	return ln
}

func (l *Ledger) laneUnref(key laneKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.lanes[key]; ok {
		ln.refs--
		if ln.refs == 0 {
			delete(l.lanes, key)
		}
	}
}

// Acquire waits until the lane for (targetID, laneName) is free.
func (l *Ledger) Acquire(ctx context.Context, targetID, laneName string) (*Token, error) {
	key := laneKey{target: targetID, lane: laneName}
	ln := l.laneRef(key)
	select {
	case ln.sem <- struct{}{}:
		return &Token{key: key}, nil
	case <-ctx.Done():
		l.laneUnref(key)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lane only if it is free right now.
func (l *Ledger) TryAcquire(targetID, laneName string) (*Token, bool) {
	key := laneKey{target: targetID, lane: laneName}
	ln := l.laneRef(key)
	select {
	case ln.sem <- struct{}{}:
		return &Token{key: key}, true
	default:
		l.laneUnref(key)
		return nil, false
	}
}

// Begin records a pending mutation on a held lane. current is the target's
// state (nil if absent); predict receives a copy of it and returns the
// predicted state, which the caller applies to the store.
func (l *Ledger) Begin(tok *Token, kind MutationKind, current *Message, since versions, predict func(*Message) *Message) *MutationRecord {
	rec := &MutationRecord{
		OperationID: uuid.NewString(),
		TargetID:    tok.key.target,
		Kind:        kind,
		Lane:        tok.key.lane,
		Previous:    current.Clone(),
		Existed:     current != nil,
		Since:       since,
		Status:      StatusPending,
		StartedAt:   l.clock(),
	}
	if predict != nil {
		rec.Predicted = predict(current.Clone())
	}
	tok.opID = rec.OperationID

	l.mu.Lock()
	l.records[rec.OperationID] = rec
	l.mu.Unlock()
	return rec
}

// Get returns the record for an operation id.
func (l *Ledger) Get(opID string) (*MutationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[opID]
	return rec, ok
}

// Commit marks a pending mutation committed. It returns false if the
// record had already settled.
func (l *Ledger) Commit(opID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[opID]
	if !ok || rec.Status != StatusPending {
		return false
	}
	rec.Status = StatusCommitted
	return true
}

// Rollback marks a pending mutation rolled back and returns it so the
// caller can restore Previous. Settled or cancelled records return false.
func (l *Ledger) Rollback(opID string) (*MutationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[opID]
	if !ok || rec.Status != StatusPending {
		return nil, false
	}
	rec.Status = StatusRolledBack
	return rec, true
}

// Cancel forces every pending record on targetID to rolled back without
// handing back snapshots: the target is gone.
func (l *Ledger) Cancel(targetID string) []*MutationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*MutationRecord
	for _, rec := range l.records {
		if rec.TargetID == targetID && rec.Status == StatusPending {
			rec.Status = StatusRolledBack
			rec.Cancelled = true
			out = append(out, rec)
		}
	}
	return out
}

// PendingFor returns the pending record on a lane, if any.
func (l *Ledger) PendingFor(targetID, laneName string) (*MutationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.TargetID == targetID && rec.Lane == laneName && rec.Status == StatusPending {
			return rec, true
		}
	}
	return nil, false
}

// Pending returns every pending record on targetID.
func (l *Ledger) Pending(targetID string) []*MutationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*MutationRecord
	for _, rec := range l.records {
		if rec.TargetID == targetID && rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of pending records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.records {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n
}

// Retarget points records on oldID at newID, after a placeholder swap.
func (l *Ledger) Retarget(oldID, newID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.TargetID == oldID {
			rec.TargetID = newID
		}
	}
}

// Release forgets the token's record and frees its lane, waking the next
// waiter.
func (l *Ledger) Release(tok *Token) {
	if tok == nil || tok.released {
		return
	}
	tok.released = true

	l.mu.Lock()
	delete(l.records, tok.opID)
	ln := l.lanes[tok.key]
	l.mu.Unlock()

	if ln != nil {
		<-ln.sem
	}
	l.laneUnref(tok.key)
}
