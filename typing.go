package huddle

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTypingTTL     = 5 * time.Second
	DefaultTypingRefresh = 2 * time.Second
)

// TypingEntry is one user currently typing in a channel.
type TypingEntry struct {
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// TypingTracker is the ephemeral per-channel set of typing users. Entries
// expire after the TTL unless refreshed. Expired entries are dropped lazily
// on read and by Sweep; both give the same answers.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    func() time.Time
	channels map[string]map[string]TypingEntry
	onChange func(channelID string)
}

// NewTypingTracker creates a tracker. A zero ttl uses DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration, clock func() time.Time) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &TypingTracker{
		ttl:      ttl,
		clock:    clock,
		channels: make(map[string]map[string]TypingEntry),
	}
}

// OnChange registers a callback fired, outside the tracker lock, when a
// channel's set of typing users changes.
func (t *TypingTracker) OnChange(fn func(channelID string)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Signal applies a typing signal from a remote participant.
func (t *TypingTracker) Signal(channelID string, s TypingSignal) {
	t.mu.Lock()
	users := t.channels[channelID]
	changed := false
	if s.IsTyping {
		if users == nil {
			users = make(map[string]TypingEntry)
			t.channels[channelID] = users
		}
		_, had := users[s.UserID]
		users[s.UserID] = TypingEntry{UserID: s.UserID, UserName: s.UserName, ExpiresAt: t.clock().Add(t.ttl)}
		changed = !had
	} else if _, had := users[s.UserID]; had {
		delete(users, s.UserID)
		if len(users) == 0 {
			delete(t.channels, channelID)
		}
		changed = true
	}
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(channelID)
	}
}

// Users returns the live entries of a channel ordered by user name.
func (t *TypingTracker) Users(channelID string) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(channelID, t.clock())
	users := t.channels[channelID]
	out := make([]TypingEntry, 0, len(users))
	for _, e := range users {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b TypingEntry) int {
		if c := strings.Compare(a.UserName, b.UserName); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Sweep drops every expired entry and returns the channels that changed.
func (t *TypingTracker) Sweep() []string {
	t.mu.Lock()
	now := t.clock()
	var changed []string
	for channelID := range t.channels {
		if t.evictLocked(channelID, now) {
			changed = append(changed, channelID)
		}
	}
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		for _, channelID := range changed {
			fn(channelID)
		}
	}
	return changed
}

// Run sweeps every interval until ctx is done.
func (t *TypingTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Forget drops a channel's entries.
func (t *TypingTracker) Forget(channelID string) {
	t.mu.Lock()
	delete(t.channels, channelID)
	t.mu.Unlock()
}

func (t *TypingTracker) evictLocked(channelID string, now time.Time) bool {
	users := t.channels[channelID]
	evicted := false
	for id, e := range users {
		if now.After(e.ExpiresAt) {
			delete(users, id)
			evicted = true
		}
	}
	if users != nil && len(users) == 0 {
		delete(t.channels, channelID)
	}
	return evicted
}

// ============================================================================
// Local typing
// ============================================================================

// LocalTyping turns keystrokes into typing signals: a start on the first
// keystroke after idle, at most one refresh per interval while typing
// continues, and a stop when the input is cleared or submitted.
type LocalTyping struct {
	// sendMu is held across a state change and its signal, so peers see
	// signals in state order.
	sendMu  sync.Mutex
	mu      sync.Mutex
	limiter *rate.Limiter
	clock   func() time.Time
	send    func(isTyping bool)
	active  bool
}

// NewLocalTyping creates a local typing emitter. A zero interval uses
// DefaultTypingRefresh.
func NewLocalTyping(interval time.Duration, clock func() time.Time, send func(isTyping bool)) *LocalTyping {
	if interval <= 0 {
		interval = DefaultTypingRefresh
	}
	if clock == nil {
		clock = time.Now
	}
	return &LocalTyping{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		clock:   clock,
		send:    send,
	}
}

// Keystroke records input activity. It reports whether a signal was sent.
func (l *LocalTyping) Keystroke() bool {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.mu.Lock()
	now := l.clock()
	if !l.active {
		l.active = true
		// Starting always signals; the token taken here paces the refreshes.
		l.limiter.AllowN(now, 1)
	} else if !l.limiter.AllowN(now, 1) {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	l.send(true)
	return true
}

// Stop signals that typing ended. It is a no-op while idle.
func (l *LocalTyping) Stop() bool {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return false
	}
	l.active = false
	l.mu.Unlock()

	l.send(false)
	return true
}

// Active reports whether a start was sent without a matching stop.
func (l *LocalTyping) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
