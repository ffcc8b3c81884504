package huddle

import (
	"log/slog"
	"slices"
	"strings"
	"time"
)

const placeholderPrefix = "local-"

// placeholderID is the temporary id of an unconfirmed message.
func placeholderID(clientID string) string { return placeholderPrefix + clientID }

func isPlaceholderID(id string) bool { return strings.HasPrefix(id, placeholderPrefix) }

// reconciler decides how each event, page and mutation result changes the
// store. Every method runs under the engine lock, which also owns the
// fields of pending MutationRecords.
type reconciler struct {
	store  *Store
	ledger *Ledger
	clock  func() time.Time
	log    *slog.Logger

	// placeholders maps a create's client nonce to its placeholder id.
	placeholders map[string]string
	// replies maps every reply seen to its root.
	replies map[string]string
	// pushed holds replies that bumped their root's count on arrival.
	pushed map[string]struct{}
}

func newReconciler(store *Store, ledger *Ledger, clock func() time.Time, log *slog.Logger) *reconciler {
	return &reconciler{
		store:        store,
		ledger:       ledger,
		clock:        clock,
		log:          log,
		placeholders: make(map[string]string),
		replies:      make(map[string]string),
		pushed:       make(map[string]struct{}),
	}
}

// ============================================================================
// Push events
// ============================================================================

// apply merges one realtime event. It returns ErrStaleReference for events
// about messages no window holds and ErrDuplicateEvent for events that
// changed nothing; both are expected and swallowed by the caller.
func (r *reconciler) apply(ev Event) error {
	switch e := ev.(type) {
	case NewMessageEvent:
		return r.newMessage(&e.Message, e.At)
	case MessageUpdatedEvent:
		return r.updated(e.Patch, e.At)
	case MessageDeletedEvent:
		return r.deleted(e.MessageID, e.At)
	case MessagePinnedEvent:
		m := e.Message
		return r.pinChanged(m.ID, aspectPatch(&m, aspectPin), true, e.At)
	case MessageUnpinnedEvent:
		p := MessagePatch{ID: e.MessageID, IsPinned: ptr(false)}
		return r.pinChanged(e.MessageID, p, false, e.At)
	}
	return nil
}

func (r *reconciler) newMessage(m *Message, at time.Time) error {
	if m.IsDeleted {
		return r.deleted(m.ID, at)
	}
	if r.store.Tombstoned(m.ID) {
		return ErrStaleReference
	}
	if tempID, ok := r.placeholders[m.ClientID]; ok && m.ClientID != "" {
		// Echo of our own send: it may beat the create response.
		if rec, ok := r.ledger.PendingFor(tempID, Lane(MutationCreate, "")); ok {
			r.ledger.Commit(rec.OperationID)
		}
		r.swap(tempID, m.ClientID, m, at)
		return nil
	}
	if r.store.Has(m.ID) {
		if !r.store.Upsert(m, at) {
			return ErrDuplicateEvent
		}
		r.overlayPending(m.ID)
		return nil
	}
	r.noteReply(m, true)
	if !r.store.Upsert(m, at) {
		return ErrStaleReference
	}
	return nil
}

func (r *reconciler) updated(p MessagePatch, at time.Time) error {
	if !r.store.Has(p.ID) || r.store.Tombstoned(p.ID) {
		return ErrStaleReference
	}
	if !r.store.Patch(p.ID, p, at) {
		return ErrDuplicateEvent
	}
	r.overlayPending(p.ID)
	return nil
}

func (r *reconciler) deleted(id string, at time.Time) error {
	first := !r.store.Tombstoned(id)
	r.store.Tombstone(id, false, at)
	for _, rec := range r.ledger.Cancel(id) {
		r.log.Debug("pending mutation cancelled by remote delete",
			"message_id", id, "op", rec.OperationID, "kind", rec.Kind)
	}
	removed := r.store.Remove(id)
	if first {
		if root, ok := r.replies[id]; ok {
			r.store.AdjustThreadCount(root, -1)
		}
	}
	if !first && len(removed) == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (r *reconciler) pinChanged(id string, p MessagePatch, pinned bool, at time.Time) error {
	if !r.store.Has(id) || r.store.Tombstoned(id) {
		return ErrStaleReference
	}
	if rec, ok := r.ledger.PendingFor(id, Lane(MutationPin, "")); ok &&
		rec.Predicted != nil && rec.Predicted.IsPinned == pinned {
		// The echo settles the pending toggle; the server fields still
		// replace the predicted PinnedAt/PinnedBy.
		r.ledger.Commit(rec.OperationID)
		r.store.Patch(id, p, at)
		return nil
	}
	if !r.store.Patch(id, p, at) {
		return ErrDuplicateEvent
	}
	r.overlayPending(id)
	return nil
}

// ============================================================================
// Pages
// ============================================================================

// mergePage merges a fetched page. Page data wins unless the cache holds a
// newer version, except for tombstoned ids and aspects with a pending local
// mutation: those keep the prediction and the mutation's rollback snapshot
// is rebased onto the page value. A Newer page also drops cached messages
// it should have returned but did not, since they were deleted while no
// event could tell us.
func (r *reconciler) mergePage(key WindowKey, msgs []Message, dir Direction) {
	live := make([]Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.IsDeleted {
			r.store.Tombstone(m.ID, false, m.UpdatedAt)
			r.ledger.Cancel(m.ID)
			r.store.Remove(m.ID)
			continue
		}
		r.noteReply(m, false)
		live = append(live, *m)
	}
	for _, id := range r.store.mergePage(key, live, dir, len(msgs)) {
		r.overlayPending(id)
	}
	if dir != Newer {
		return
	}
	toStart := key.Limit > 0 && len(msgs) < key.Limit
	for _, id := range r.store.Absent(key, msgs, toStart) {
		if len(r.ledger.Pending(id)) > 0 {
			continue
		}
		r.log.Debug("message missing from page, dropping", "message_id", id, "channel", key.ChannelID)
		r.deleted(id, r.clock())
	}
}

// overlayPending re-applies pending predictions on id after an
// authoritative merge replaced them.
func (r *reconciler) overlayPending(id string) {
	for _, rec := range r.ledger.Pending(id) {
		if !rec.Existed || rec.Predicted == nil {
			continue
		}
		cur, ok := r.store.Get(id)
		if !ok {
			return
		}
		a := rec.Kind.aspect()
		switch rec.Kind {
		case MutationReact, MutationUnreact:
			want := rec.Kind == MutationReact
			if slices.Contains(cur.Reactions, rec.Reaction) == want {
				continue
			}
			copyAspect(rec.Previous, cur, a)
			rec.Since[a] = r.store.Versions(id)[a]
			r.store.SetReaction(id, rec.Reaction, want)
		case MutationEdit, MutationPin, MutationUnpin:
			if sameAspect(cur, rec.Predicted, a) {
				continue
			}
			copyAspect(rec.Previous, cur, a)
			rec.Since[a] = r.store.Versions(id)[a]
			r.store.Predict(id, aspectPatch(rec.Predicted, a))
		}
	}
}

// ============================================================================
// Local mutations
// ============================================================================

// predict applies a freshly begun mutation to the store.
func (r *reconciler) predict(rec *MutationRecord) {
	now := r.clock()
	switch rec.Kind {
	case MutationCreate:
		m := rec.Predicted
		r.placeholders[m.ClientID] = m.ID
		r.store.Upsert(m, now)
		if m.IsReply() {
			r.store.AdjustThreadCount(*m.ParentMessageID, 1)
		}
		r.noteReply(m, false)
	case MutationDelete:
		if !rec.Existed {
			return
		}
		rec.Windows = r.store.Remove(rec.TargetID)
		r.store.Tombstone(rec.TargetID, true, now)
		if rec.Previous.IsReply() {
			r.store.AdjustThreadCount(*rec.Previous.ParentMessageID, -1)
		}
	case MutationReact, MutationUnreact:
		if rec.Existed {
			r.store.SetReaction(rec.TargetID, rec.Reaction, rec.Kind == MutationReact)
		}
	default:
		if rec.Existed {
			r.store.Predict(rec.TargetID, aspectPatch(rec.Predicted, rec.Kind.aspect()))
		}
	}
}

// settle merges the server's result of a successful mutation.
func (r *reconciler) settle(rec *MutationRecord, server *Message) {
	now := r.clock()
	switch rec.Kind {
	case MutationCreate:
		if server != nil {
			r.swap(rec.Predicted.ID, rec.Predicted.ClientID, server, now)
		}
	case MutationDelete:
		r.store.Tombstone(rec.TargetID, false, now)
	default:
		if server != nil && r.store.Has(server.ID) {
			r.store.Upsert(server, now)
			r.overlayPending(server.ID)
		}
	}
}

// revert undoes a rolled-back mutation.
func (r *reconciler) revert(rec *MutationRecord) {
	now := r.clock()
	switch rec.Kind {
	case MutationCreate:
		m := rec.Predicted
		delete(r.placeholders, m.ClientID)
		delete(r.replies, m.ID)
		r.store.Remove(m.ID)
		if m.IsReply() {
			r.store.AdjustThreadCount(*m.ParentMessageID, -1)
		}
	case MutationDelete:
		if !rec.Existed || !r.store.Untombstone(rec.TargetID) {
			return
		}
		r.store.InsertInto(rec.Previous, rec.Windows, now)
		if rec.Previous.IsReply() {
			r.store.AdjustThreadCount(*rec.Previous.ParentMessageID, 1)
		}
	case MutationReact, MutationUnreact:
		if !rec.Existed || r.store.Versions(rec.TargetID)[aspectReactions].After(rec.Since[aspectReactions]) {
			return
		}
		r.store.SetReaction(rec.TargetID, rec.Reaction, slices.Contains(rec.Previous.Reactions, rec.Reaction))
	default:
		if rec.Existed {
			r.store.RestoreAspect(rec.TargetID, rec.Previous, rec.Kind.aspect(), rec.Since)
		}
	}
}

// swap replaces a placeholder with its server record in place. When the
// server id is already cached (an echo without a client nonce won the
// race), the placeholder is dropped instead.
func (r *reconciler) swap(tempID, clientID string, m *Message, at time.Time) {
	delete(r.placeholders, clientID)
	root, predictedReply := r.replies[tempID]
	delete(r.replies, tempID)
	_, pushed := r.pushed[m.ID]
	delete(r.pushed, m.ID)
	// The placeholder's predicted bump is redundant once an echo without
	// a nonce counted the reply, or once the reply is gone.
	if predictedReply && (pushed || r.store.Tombstoned(m.ID)) {
		r.store.AdjustThreadCount(root, -1)
	}
	switch {
	case r.store.Tombstoned(m.ID):
		r.store.Remove(tempID)
	case r.store.Has(m.ID):
		r.store.Remove(tempID)
		r.store.Upsert(m, at)
	case r.store.Has(tempID):
		r.store.Swap(tempID, m, at)
	default:
		r.store.Upsert(m, at)
	}
	r.ledger.Retarget(tempID, m.ID)
	if m.IsReply() {
		r.replies[m.ID] = *m.ParentMessageID
	}
}

// noteReply remembers a reply's root. A reply seen for the first time
// through the push channel bumps the cached root's thread count unless the
// root's count is already newer than the reply.
func (r *reconciler) noteReply(m *Message, bump bool) {
	if !m.IsReply() {
		return
	}
	root := *m.ParentMessageID
	if _, seen := r.replies[m.ID]; seen {
		return
	}
	r.replies[m.ID] = root
	if bump && r.store.Versions(root)[aspectThread].Before(m.CreatedAt) &&
		r.store.AdjustThreadCount(root, 1) {
		r.pushed[m.ID] = struct{}{}
	}
}

// aspectPatch extracts the fields of one aspect of m as a patch.
func aspectPatch(m *Message, a aspect) MessagePatch {
	p := MessagePatch{ID: m.ID, ChannelID: m.ChannelID}
	switch a {
	case aspectContent:
		mentions := slices.Clone(m.Mentions)
		if mentions == nil {
			mentions = []string{}
		}
		p.Content = clonePtr(m.Content)
		p.Mentions = mentions
		p.IsEdited = ptr(m.IsEdited)
		p.EditedAt = clonePtr(m.EditedAt)
	case aspectPin:
		p.IsPinned = ptr(m.IsPinned)
		p.PinnedAt = clonePtr(m.PinnedAt)
		p.PinnedBy = clonePtr(m.PinnedBy)
	case aspectReactions:
		reactions := slices.Clone(m.Reactions)
		if reactions == nil {
			reactions = []Reaction{}
		}
		p.Reactions = reactions
	case aspectThread:
		p.ThreadCount = ptr(m.ThreadCount)
	}
	if !m.UpdatedAt.IsZero() {
		p.UpdatedAt = ptr(m.UpdatedAt)
	}
	return p
}
