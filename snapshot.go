package huddle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// SnapshotStore persists the last confirmed contents of cache windows so a
// reopened window can render before its first fetch completes.
// Placeholders are never saved.
type SnapshotStore interface {
	Load(key WindowKey) ([]Message, error)
	Save(key WindowKey, msgs []Message) error
}

const snapshotPrefix = "window:"

// snapshotKey encodes every field of a window key, so windows that differ
// only by cursor do not share a snapshot.
func snapshotKey(k WindowKey) []byte {
	parts := []string{
		k.ChannelID,
		k.ThreadID,
		strconv.Itoa(k.Limit),
		strconv.Itoa(k.Offset),
		k.BeforeMessageID,
		k.AfterMessageID,
	}
	for i, p := range parts {
		parts[i] = strconv.Quote(p)
	}
	return []byte(snapshotPrefix + strings.Join(parts, "\x00"))
}

func parseSnapshotKey(b []byte) (WindowKey, error) {
	rest, ok := bytes.CutPrefix(b, []byte(snapshotPrefix))
	if !ok {
		return WindowKey{}, fmt.Errorf("not a snapshot key: %q", b)
	}
	parts := strings.Split(string(rest), "\x00")
	if len(parts) != 6 {
		return WindowKey{}, fmt.Errorf("malformed snapshot key: %q", b)
	}
	for i, p := range parts {
		s, err := strconv.Unquote(p)
		if err != nil {
			return WindowKey{}, fmt.Errorf("malformed snapshot key: %w", err)
		}
		parts[i] = s
	}
	limit, err := strconv.Atoi(parts[2])
	if err != nil {
		return WindowKey{}, fmt.Errorf("malformed snapshot limit: %w", err)
	}
	offset, err := strconv.Atoi(parts[3])
	if err != nil {
		return WindowKey{}, fmt.Errorf("malformed snapshot offset: %w", err)
	}
	return WindowKey{
		ChannelID:       parts[0],
		ThreadID:        parts[1],
		Limit:           limit,
		Offset:          offset,
		BeforeMessageID: parts[4],
		AfterMessageID:  parts[5],
	}, nil
}

// ============================================================================
// Pebble
// ============================================================================

// PebbleSnapshotStore keeps window snapshots in a Pebble database.
type PebbleSnapshotStore struct {
	mu sync.RWMutex
	db *pebble.DB
}

// OpenPebbleSnapshotStore opens or creates the database at path.
func OpenPebbleSnapshotStore(path string) (*PebbleSnapshotStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &PebbleSnapshotStore{db: db}, nil
}

func (s *PebbleSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Load returns the snapshot of key, or nil when there is none.
func (s *PebbleSnapshotStore) Load(key WindowKey) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	v, closer, err := s.db.Get(snapshotKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer closer.Close()
	var msgs []Message
	if err := json.Unmarshal(v, &msgs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return msgs, nil
}

// Save replaces the snapshot of key. An empty list deletes it.
func (s *PebbleSnapshotStore) Save(key WindowKey, msgs []Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return s.db.Delete(snapshotKey(key), pebble.Sync)
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.db.Set(snapshotKey(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Windows lists the keys that have a snapshot.
func (s *PebbleSnapshotStore) Windows() ([]WindowKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte(snapshotPrefix)
	var out []WindowKey
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k, err := parseSnapshotKey(append([]byte(nil), iter.Key()...))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, iter.Error()
}

var _ SnapshotStore = (*PebbleSnapshotStore)(nil)
