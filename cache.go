package huddle

import (
	"slices"
	"sort"
	"time"
)

// ============================================================================
// Aspects
// ============================================================================

// aspect is an independently versioned group of message fields. Updates to
// different aspects of one message commute.
type aspect int

const (
	aspectContent aspect = iota
	aspectPin
	aspectReactions
	aspectThread
	numAspects
)

func (a aspect) String() string {
	switch a {
	case aspectContent:
		return "content"
	case aspectPin:
		return "pin"
	case aspectReactions:
		return "reactions"
	case aspectThread:
		return "thread"
	}
	return "unknown"
}

type versions [numAspects]time.Time

// touches reports which aspects p carries a value for.
func (p *MessagePatch) touches(a aspect) bool {
	switch a {
	case aspectContent:
		return p.Content != nil || p.Mentions != nil || p.IsEdited != nil || p.EditedAt != nil
	case aspectPin:
		return p.IsPinned != nil || p.PinnedAt != nil || p.PinnedBy != nil
	case aspectReactions:
		return p.Reactions != nil
	case aspectThread:
		return p.ThreadCount != nil
	}
	return false
}

// version derives the logical timestamp of aspect a carried by p, falling
// back to the event time at.
func (p *MessagePatch) version(a aspect, at time.Time) time.Time {
	switch a {
	case aspectContent:
		if p.EditedAt != nil {
			return *p.EditedAt
		}
	case aspectPin:
		if p.IsPinned != nil && *p.IsPinned && p.PinnedAt != nil {
			return *p.PinnedAt
		}
	}
	if p.UpdatedAt != nil && !p.UpdatedAt.IsZero() {
		return *p.UpdatedAt
	}
	return at
}

// messageVersions derives per-aspect versions for a full record.
func messageVersions(m *Message, at time.Time) versions {
	var v versions
	fallback := m.UpdatedAt
	if fallback.IsZero() {
		fallback = at
	}
	v[aspectContent] = m.CreatedAt
	if m.EditedAt != nil {
		v[aspectContent] = *m.EditedAt
	}
	if v[aspectContent].IsZero() {
		v[aspectContent] = fallback
	}
	v[aspectPin] = fallback
	if m.IsPinned && m.PinnedAt != nil {
		v[aspectPin] = *m.PinnedAt
	}
	v[aspectReactions] = fallback
	v[aspectThread] = fallback
	return v
}

func assignAspect(dst *Message, p *MessagePatch, a aspect) {
	switch a {
	case aspectContent:
		if p.Content != nil {
			dst.Content = clonePtr(p.Content)
		}
		if p.Mentions != nil {
			dst.Mentions = slices.Clone(p.Mentions)
		}
		if p.IsEdited != nil {
			dst.IsEdited = *p.IsEdited
		}
		if p.EditedAt != nil {
			dst.EditedAt = clonePtr(p.EditedAt)
		}
	case aspectPin:
		if p.IsPinned != nil {
			dst.IsPinned = *p.IsPinned
			if !dst.IsPinned {
				dst.PinnedAt, dst.PinnedBy = nil, nil
			}
		}
		if p.PinnedAt != nil {
			dst.PinnedAt = clonePtr(p.PinnedAt)
		}
		if p.PinnedBy != nil {
			dst.PinnedBy = clonePtr(p.PinnedBy)
		}
	case aspectReactions:
		dst.Reactions = slices.Clone(p.Reactions)
	case aspectThread:
		dst.ThreadCount = *p.ThreadCount
	}
}

// copyAspect copies the fields of aspect a from src to dst verbatim.
func copyAspect(dst, src *Message, a aspect) {
	switch a {
	case aspectContent:
		dst.Content = clonePtr(src.Content)
		dst.Mentions = slices.Clone(src.Mentions)
		dst.IsEdited = src.IsEdited
		dst.EditedAt = clonePtr(src.EditedAt)
	case aspectPin:
		dst.IsPinned = src.IsPinned
		dst.PinnedAt = clonePtr(src.PinnedAt)
		dst.PinnedBy = clonePtr(src.PinnedBy)
	case aspectReactions:
		dst.Reactions = slices.Clone(src.Reactions)
	case aspectThread:
		dst.ThreadCount = src.ThreadCount
	}
}

// ============================================================================
// Store
// ============================================================================

// Direction tells MergePage which end of a window a page extends.
type Direction int

const (
	// Newer pages replace or extend the live end of a window.
	Newer Direction = iota
	// Older pages extend a window backwards in history.
	Older
)

type record struct {
	msg      *Message
	versions versions
	// sortAt is fixed when the record is first cached, so a placeholder
	// keeps its slot after the swap to its server id.
	sortAt time.Time
	in     map[WindowKey]struct{}
}

type window struct {
	key           WindowKey
	ids           []string
	refs          int
	loading       bool
	fetchingOlder bool
	hasOlder      bool
	revision      uint64
	generation    uint64
}

type tombstone struct {
	local bool
	at    time.Time
}

// WindowInfo is a read-only snapshot of a window's metadata.
type WindowInfo struct {
	Key           WindowKey
	Len           int
	Loading       bool
	FetchingOlder bool
	HasOlder      bool
	Revision      uint64
	Generation    uint64
}

// Store is the in-memory ordered message cache shared by every open window.
// It is not safe for concurrent use; the Engine serializes access.
type Store struct {
	records    map[string]*record
	windows    map[WindowKey]*window
	tombstones map[string]tombstone
	dirty      map[WindowKey]struct{}
	gen        uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records:    make(map[string]*record),
		windows:    make(map[WindowKey]*window),
		tombstones: make(map[string]tombstone),
		dirty:      make(map[WindowKey]struct{}),
	}
}

// ── Windows ──────────────────────────────────────────────

// OpenWindow creates the window for key or adds a reference to it. It
// reports whether the window was created.
func (s *Store) OpenWindow(key WindowKey) bool {
	if w, ok := s.windows[key]; ok {
		w.refs++
		return false
	}
	s.gen++
	s.windows[key] = &window{key: key, refs: 1, loading: true, hasOlder: true, generation: s.gen}
	return true
}

// CloseWindow drops one reference; the last one tears the window down and
// releases records no other window holds. It reports whether the window
// is gone.
func (s *Store) CloseWindow(key WindowKey) bool {
	w, ok := s.windows[key]
	if !ok {
		return true
	}
	w.refs--
	if w.refs > 0 {
		return false
	}
	for _, id := range w.ids {
		if rec, ok := s.records[id]; ok {
			delete(rec.in, key)
			if len(rec.in) == 0 {
				delete(s.records, id)
			}
		}
	}
	delete(s.windows, key)
	delete(s.dirty, key)
	return true
}

// Windows lists the keys of all open windows.
func (s *Store) Windows() []WindowKey {
	keys := make([]WindowKey, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	return keys
}

// Window returns the ordered messages of a window (getWindow).
func (s *Store) Window(key WindowKey) []*Message {
	w, ok := s.windows[key]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(w.ids))
	for _, id := range w.ids {
		out = append(out, s.records[id].msg.Clone())
	}
	return out
}

// WindowIDs returns the ordered ids of a window.
func (s *Store) WindowIDs(key WindowKey) []string {
	if w, ok := s.windows[key]; ok {
		return slices.Clone(w.ids)
	}
	return nil
}

// Info returns the window's metadata.
func (s *Store) Info(key WindowKey) (WindowInfo, bool) {
	w, ok := s.windows[key]
	if !ok {
		return WindowInfo{}, false
	}
	return WindowInfo{
		Key:           key,
		Len:           len(w.ids),
		Loading:       w.loading,
		FetchingOlder: w.fetchingOlder,
		HasOlder:      w.hasOlder,
		Revision:      w.revision,
		Generation:    w.generation,
	}, true
}

// SetLoading updates the initial-load flag.
func (s *Store) SetLoading(key WindowKey, loading bool) {
	if w, ok := s.windows[key]; ok && w.loading != loading {
		w.loading = loading
		s.markDirty(key)
	}
}

// BeginFetchOlder marks a backward fetch in flight. It returns false when
// one already is, or when the window has no older history.
func (s *Store) BeginFetchOlder(key WindowKey) bool {
	w, ok := s.windows[key]
	if !ok || w.fetchingOlder || !w.hasOlder || w.loading {
		return false
	}
	w.fetchingOlder = true
	s.markDirty(key)
	return true
}

// EndFetchOlder clears the in-flight flag.
func (s *Store) EndFetchOlder(key WindowKey) {
	if w, ok := s.windows[key]; ok {
		w.fetchingOlder = false
		s.markDirty(key)
	}
}

// OldestID is the cursor for the next backward fetch.
func (s *Store) OldestID(key WindowKey) string {
	w, ok := s.windows[key]
	if !ok {
		return ""
	}
	for _, id := range w.ids {
		if !isPlaceholderID(id) {
			return id
		}
	}
	return ""
}

// TakeDirty returns and clears the set of windows changed since the last call.
func (s *Store) TakeDirty() []WindowKey {
	if len(s.dirty) == 0 {
		return nil
	}
	keys := make([]WindowKey, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	clear(s.dirty)
	return keys
}

func (s *Store) markDirty(key WindowKey) {
	s.dirty[key] = struct{}{}
}

func (s *Store) markRecord(rec *record) {
	for k := range rec.in {
		s.markDirty(k)
	}
}

// ── Reads ────────────────────────────────────────────────

// Get returns a copy of the cached message.
func (s *Store) Get(id string) (*Message, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.msg.Clone(), true
}

// Has reports whether any open window holds id.
func (s *Store) Has(id string) bool {
	_, ok := s.records[id]
	return ok
}

// Containing lists the windows holding id.
func (s *Store) Containing(id string) []WindowKey {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	keys := make([]WindowKey, 0, len(rec.in))
	for k := range rec.in {
		keys = append(keys, k)
	}
	return keys
}

// ── Tombstones ───────────────────────────────────────────

// Tombstone records id as deleted. A remote tombstone replaces a local one.
func (s *Store) Tombstone(id string, local bool, at time.Time) {
	if t, ok := s.tombstones[id]; ok && !t.local {
		return
	}
	s.tombstones[id] = tombstone{local: local, at: at}
}

// Untombstone clears a local tombstone; remote ones are permanent.
func (s *Store) Untombstone(id string) bool {
	t, ok := s.tombstones[id]
	if !ok || !t.local {
		return false
	}
	delete(s.tombstones, id)
	return true
}

// Tombstoned reports whether id is known to be deleted.
func (s *Store) Tombstoned(id string) bool {
	_, ok := s.tombstones[id]
	return ok
}

// ── Writes ───────────────────────────────────────────────

func (s *Store) less(a, b *record) bool {
	return sortKey{a.sortAt, a.msg.ID}.less(sortKey{b.sortAt, b.msg.ID})
}

func (s *Store) insertInto(w *window, rec *record) bool {
	if _, ok := rec.in[w.key]; ok {
		return false
	}
	i := sort.Search(len(w.ids), func(i int) bool {
		return s.less(rec, s.records[w.ids[i]])
	})
	w.ids = slices.Insert(w.ids, i, rec.msg.ID)
	rec.in[w.key] = struct{}{}
	w.revision++
	s.markDirty(w.key)
	return true
}

func newRecord(m *Message, at time.Time) *record {
	c := m.Clone()
	sortAt := c.CreatedAt
	if sortAt.IsZero() {
		sortAt = at
	}
	return &record{
		msg:      c,
		versions: messageVersions(c, at),
		sortAt:   sortAt,
		in:       make(map[WindowKey]struct{}),
	}
}

// MergePage merges a fetched page into one window. Each aspect of a cached
// message takes the page value unless the cache holds a strictly newer
// version of it; tombstoned ids are skipped. It returns the ids that were
// merged.
func (s *Store) MergePage(key WindowKey, msgs []Message, dir Direction) []string {
	return s.mergePage(key, msgs, dir, len(msgs))
}

// mergePage is MergePage for a page the server answered with fetched rows,
// some of which the caller may have filtered out. Only fetched decides
// whether older history remains.
func (s *Store) mergePage(key WindowKey, msgs []Message, dir Direction, fetched int) []string {
	w, ok := s.windows[key]
	if !ok {
		return nil
	}
	merged := make([]string, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" || s.Tombstoned(m.ID) {
			continue
		}
		rec, ok := s.records[m.ID]
		if ok {
			p := FullPatch(m)
			s.applyPatch(rec, &p, messageVersions(m, m.UpdatedAt))
		} else {
			rec = newRecord(m, m.UpdatedAt)
			s.records[m.ID] = rec
		}
		s.insertInto(w, rec)
		merged = append(merged, m.ID)
	}
	// A resync merge (Newer on an already loaded window) says nothing about
	// older history.
	if key.Limit > 0 && (dir == Older || w.loading) {
		w.hasOlder = fetched >= key.Limit
	}
	w.loading = false
	s.markDirty(key)
	return merged
}

// Absent lists the cached ids of a window that a fresh page of it should
// have returned but did not: those ordered between the page's oldest and
// newest rows, or anywhere up to its newest row when toStart is set (the
// page reached the start of history). Placeholders are never listed.
func (s *Store) Absent(key WindowKey, page []Message, toStart bool) []string {
	w, ok := s.windows[key]
	if !ok || len(page) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(page))
	var lo, hi sortKey
	for i := range page {
		m := &page[i]
		seen[m.ID] = struct{}{}
		k := serverSortKey(m, m.UpdatedAt)
		if i == 0 || k.less(lo) {
			lo = k
		}
		if i == 0 || hi.less(k) {
			hi = k
		}
	}
	var out []string
	for _, id := range w.ids {
		if _, ok := seen[id]; ok || isPlaceholderID(id) {
			continue
		}
		rec := s.records[id]
		k := serverSortKey(rec.msg, rec.sortAt)
		if hi.less(k) || (!toStart && k.less(lo)) {
			continue
		}
		out = append(out, id)
	}
	return out
}

type sortKey struct {
	at time.Time
	id string
}

func (k sortKey) less(o sortKey) bool {
	if !k.at.Equal(o.at) {
		return k.at.Before(o.at)
	}
	return k.id < o.id
}

// serverSortKey orders m by its server creation time. A swapped
// placeholder keeps its local slot in the window, but the server decides
// which page it belongs to.
func serverSortKey(m *Message, fallback time.Time) sortKey {
	if m.CreatedAt.IsZero() {
		return sortKey{at: fallback, id: m.ID}
	}
	return sortKey{at: m.CreatedAt, id: m.ID}
}

// Upsert inserts m into every live-tail window that accepts it, or merges
// it per aspect into the cached record. It reports whether the cache
// changed.
func (s *Store) Upsert(m *Message, at time.Time) bool {
	if m.ID == "" || s.Tombstoned(m.ID) {
		return false
	}
	if rec, ok := s.records[m.ID]; ok {
		p := FullPatch(m)
		return s.applyPatch(rec, &p, messageVersions(m, at))
	}
	var rec *record
	for key, w := range s.windows {
		if !key.LiveTail() || !key.accepts(m) {
			continue
		}
		if rec == nil {
			rec = newRecord(m, at)
			s.records[m.ID] = rec
		}
		s.insertInto(w, rec)
	}
	return rec != nil
}

// InsertInto places m in the given windows (used to undo a removal).
func (s *Store) InsertInto(m *Message, keys []WindowKey, at time.Time) bool {
	if m.ID == "" {
		return false
	}
	rec, ok := s.records[m.ID]
	if !ok {
		rec = newRecord(m, at)
	}
	inserted := false
	for _, key := range keys {
		w, ok := s.windows[key]
		if !ok {
			continue
		}
		s.records[m.ID] = rec
		if s.insertInto(w, rec) {
			inserted = true
		}
	}
	return inserted
}

// Patch merges the fields p carries into the cached message. Each aspect
// applies only if its version is not older than the cached one. Unknown
// ids are ignored.
func (s *Store) Patch(id string, p MessagePatch, at time.Time) bool {
	rec, ok := s.records[id]
	if !ok || s.Tombstoned(id) {
		return false
	}
	var v versions
	for a := aspect(0); a < numAspects; a++ {
		v[a] = p.version(a, at)
	}
	return s.applyPatch(rec, &p, v)
}

func (s *Store) applyPatch(rec *record, p *MessagePatch, v versions) bool {
	changed := false
	for a := aspect(0); a < numAspects; a++ {
		if !p.touches(a) {
			continue
		}
		if !v[a].IsZero() && v[a].Before(rec.versions[a]) {
			continue
		}
		before := rec.msg.Clone()
		assignAspect(rec.msg, p, a)
		if v[a].After(rec.versions[a]) {
			rec.versions[a] = v[a]
		}
		if !sameAspect(before, rec.msg, a) {
			changed = true
		}
	}
	if p.UpdatedAt != nil && p.UpdatedAt.After(rec.msg.UpdatedAt) {
		rec.msg.UpdatedAt = *p.UpdatedAt
	}
	if changed {
		s.markRecord(rec)
	}
	return changed
}

// Predict applies an optimistic patch: no version checks, versions are
// left untouched so the authoritative result still applies.
func (s *Store) Predict(id string, p MessagePatch) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	for a := aspect(0); a < numAspects; a++ {
		if p.touches(a) {
			assignAspect(rec.msg, &p, a)
		}
	}
	s.markRecord(rec)
	return true
}

// RestoreAspect copies aspect a from prev onto the cached message, undoing
// a prediction. It is skipped when an authoritative update of that aspect
// newer than since arrived in the meantime.
func (s *Store) RestoreAspect(id string, prev *Message, a aspect, since versions) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	if rec.versions[a].After(since[a]) {
		return false
	}
	copyAspect(rec.msg, prev, a)
	s.markRecord(rec)
	return true
}

// SetReaction adds or removes one (emoji, user) pair without touching
// versions. A user holds at most one reaction per emoji.
func (s *Store) SetReaction(id string, r Reaction, present bool) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	i := slices.Index(rec.msg.Reactions, r)
	switch {
	case present && i < 0:
		rec.msg.Reactions = append(rec.msg.Reactions, r)
	case !present && i >= 0:
		rec.msg.Reactions = slices.Delete(rec.msg.Reactions, i, i+1)
	default:
		return false
	}
	s.markRecord(rec)
	return true
}

// Versions returns the current per-aspect versions of a cached message.
func (s *Store) Versions(id string) versions {
	if rec, ok := s.records[id]; ok {
		return rec.versions
	}
	return versions{}
}

// AdjustThreadCount shifts a cached root's reply count, never below zero.
func (s *Store) AdjustThreadCount(rootID string, delta int) bool {
	rec, ok := s.records[rootID]
	if !ok {
		return false
	}
	n := rec.msg.ThreadCount + delta
	if n < 0 {
		n = 0
	}
	if n == rec.msg.ThreadCount {
		return false
	}
	rec.msg.ThreadCount = n
	s.markRecord(rec)
	return true
}

// Remove deletes id from every window. Removing an absent id is a no-op.
// It returns the windows the message was removed from.
func (s *Store) Remove(id string) []WindowKey {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	keys := make([]WindowKey, 0, len(rec.in))
	for key := range rec.in {
		w := s.windows[key]
		if i := slices.Index(w.ids, id); i >= 0 {
			w.ids = slices.Delete(w.ids, i, i+1)
			w.revision++
			s.markDirty(key)
		}
		keys = append(keys, key)
	}
	delete(s.records, id)
	return keys
}

// Swap renames a placeholder to its server id in place and merges the
// server record onto it. The message keeps its index in every window.
func (s *Store) Swap(tempID string, m *Message, at time.Time) bool {
	rec, ok := s.records[tempID]
	if !ok {
		return false
	}
	if _, taken := s.records[m.ID]; taken && m.ID != tempID {
		return false
	}
	for key := range rec.in {
		w := s.windows[key]
		if i := slices.Index(w.ids, tempID); i >= 0 {
			w.ids[i] = m.ID
			w.revision++
			s.markDirty(key)
		}
	}
	delete(s.records, tempID)
	sortAt, in, clientID := rec.sortAt, rec.in, rec.msg.ClientID
	*rec = *newRecord(m, at)
	rec.sortAt, rec.in = sortAt, in
	if rec.msg.ClientID == "" {
		rec.msg.ClientID = clientID
	}
	s.records[m.ID] = rec
	return true
}

func sameAspect(a, b *Message, asp aspect) bool {
	switch asp {
	case aspectContent:
		return equalPtr(a.Content, b.Content) && slices.Equal(a.Mentions, b.Mentions) &&
			a.IsEdited == b.IsEdited && equalTimePtr(a.EditedAt, b.EditedAt)
	case aspectPin:
		return a.IsPinned == b.IsPinned && equalTimePtr(a.PinnedAt, b.PinnedAt) && equalPtr(a.PinnedBy, b.PinnedBy)
	case aspectReactions:
		return slices.Equal(a.Reactions, b.Reactions)
	case aspectThread:
		return a.ThreadCount == b.ThreadCount
	}
	return true
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
