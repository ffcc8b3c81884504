package huddle

import (
	"encoding/json"
	"slices"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
	MessageAudio      MessageType = "audio"
)

// Reaction is one user's emoji on a message. A message's reactions form a
// multiset of these pairs.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is a channel message as returned by the data-access API.
type Message struct {
	ID              string      `json:"id"`
	ClientID        string      `json:"clientId,omitempty"`
	ChannelID       string      `json:"channelId"`
	SenderID        string      `json:"senderId"`
	Content         *string     `json:"content"`
	Type            MessageType `json:"type"`
	ParentMessageID *string     `json:"parentMessageId,omitempty"`
	ThreadCount     int         `json:"threadCount"`
	IsEdited        bool        `json:"isEdited"`
	EditedAt        *time.Time  `json:"editedAt,omitempty"`
	IsDeleted       bool        `json:"isDeleted"`
	DeletedAt       *time.Time  `json:"deletedAt,omitempty"`
	IsPinned        bool        `json:"isPinned"`
	PinnedAt        *time.Time  `json:"pinnedAt,omitempty"`
	PinnedBy        *string     `json:"pinnedBy,omitempty"`
	Reactions       []Reaction  `json:"reactions,omitempty"`
	Mentions        []string    `json:"mentions,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// IsReply reports whether the message belongs to a thread.
func (m *Message) IsReply() bool {
	return m.ParentMessageID != nil && *m.ParentMessageID != ""
}

// Text returns the content or "" for non-text messages.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a deep copy; cached records are never shared with callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Content = clonePtr(m.Content)
	c.ParentMessageID = clonePtr(m.ParentMessageID)
	c.EditedAt = clonePtr(m.EditedAt)
	c.DeletedAt = clonePtr(m.DeletedAt)
	c.PinnedAt = clonePtr(m.PinnedAt)
	c.PinnedBy = clonePtr(m.PinnedBy)
	c.Reactions = slices.Clone(m.Reactions)
	c.Mentions = slices.Clone(m.Mentions)
	return &c
}

// MessagePatch is a partial message. Nil fields are left untouched by
// Store.Patch. A non-nil empty Reactions slice clears all reactions, and
// travels as [] rather than null on the wire.
type MessagePatch struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channelId,omitempty"`
	Content     *string    `json:"content,omitempty"`
	Mentions    []string   `json:"mentions"`
	IsEdited    *bool      `json:"isEdited,omitempty"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
	IsPinned    *bool      `json:"isPinned,omitempty"`
	PinnedAt    *time.Time `json:"pinnedAt,omitempty"`
	PinnedBy    *string    `json:"pinnedBy,omitempty"`
	Reactions   []Reaction `json:"reactions"`
	ThreadCount *int       `json:"threadCount,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// FullPatch expands a message into a patch that touches every aspect.
func FullPatch(m *Message) MessagePatch {
	c := m.Clone()
	reactions := c.Reactions
	if reactions == nil {
		reactions = []Reaction{}
	}
	mentions := c.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	pinned := c.IsPinned
	edited := c.IsEdited
	threads := c.ThreadCount
	updated := c.UpdatedAt
	return MessagePatch{
		ID:          c.ID,
		ChannelID:   c.ChannelID,
		Content:     c.Content,
		Mentions:    mentions,
		IsEdited:    &edited,
		EditedAt:    c.EditedAt,
		IsPinned:    &pinned,
		PinnedAt:    c.PinnedAt,
		PinnedBy:    c.PinnedBy,
		Reactions:   reactions,
		ThreadCount: &threads,
		UpdatedAt:   &updated,
	}
}

// ============================================================================
// Pagination
// ============================================================================

// PageQuery holds the cursor parameters for a page fetch. At most one of
// Offset, BeforeMessageID and AfterMessageID is meaningful.
type PageQuery struct {
	Limit           int
	Offset          int
	BeforeMessageID string
	AfterMessageID  string
	ThreadID        string
}

// WindowKey identifies one cached window of a channel's history.
type WindowKey struct {
	ChannelID       string
	ThreadID        string
	Limit           int
	Offset          int
	BeforeMessageID string
	AfterMessageID  string
}

// LiveTail reports whether new messages pushed to the channel belong in
// this window.
func (k WindowKey) LiveTail() bool {
	return k.BeforeMessageID == ""
}

// Query returns the page query that loads the window's first page.
func (k WindowKey) Query() PageQuery {
	return PageQuery{
		Limit:           k.Limit,
		Offset:          k.Offset,
		BeforeMessageID: k.BeforeMessageID,
		AfterMessageID:  k.AfterMessageID,
		ThreadID:        k.ThreadID,
	}
}

// accepts reports whether m belongs to the window's stream: roots for a
// channel window, replies of ThreadID for a thread window.
func (k WindowKey) accepts(m *Message) bool {
	if m.ChannelID != k.ChannelID {
		return false
	}
	if k.ThreadID == "" {
		return !m.IsReply()
	}
	return m.IsReply() && *m.ParentMessageID == k.ThreadID
}

// CreateMessageInput is the payload for DataSource.CreateMessage.
type CreateMessageInput struct {
	ChannelID       string      `json:"-"`
	Content         *string     `json:"content"`
	Type            MessageType `json:"type"`
	Mentions        []string    `json:"mentions,omitempty"`
	ParentMessageID *string     `json:"parentMessageId,omitempty"`
	ClientID        string      `json:"clientId,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
