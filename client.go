package huddle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8780"
	DefaultTimeout = 30 * time.Second
)

// Client is the HTTP DataSource for a Huddle server.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client. token may be empty for unauthenticated dev
// servers.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Dialer returns the WebSocket push dialer for the same server.
func (c *Client) Dialer() *WSDialer {
	return &WSDialer{BaseURL: c.baseURL, Token: c.token, HTTPClient: c.streamingClient()}
}

// SSEDialer returns the server-sent events dialer for the same server.
func (c *Client) SSEDialer() *SSEDialer {
	return &SSEDialer{BaseURL: c.baseURL, Token: c.token, HTTPClient: c.streamingClient()}
}

// streamingClient shares the transport but drops the request timeout,
// which push connections outlive.
func (c *Client) streamingClient() *http.Client {
	hc := *c.httpClient
	hc.Timeout = 0
	return &hc
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(fmt.Errorf("%s %s: read body: %w", method, path, err))
	}
	result, err := decodeJSON[Result](data)
	if err != nil || (resp.StatusCode >= 300 && result.Error == nil) {
		return nil, classify(&APIError{
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%s %s: HTTP %d", method, path, resp.StatusCode),
			Status:  resp.StatusCode,
		})
	}
	if !result.OK || result.Error != nil {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: "request not ok"}
		}
		apiErr.Status = resp.StatusCode
		return nil, classify(apiErr)
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeMessage(r *Result) (*Message, error) {
	var m Message
	if err := r.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return nil, nil
	}
	return &m, nil
}

func messagePath(id string) string {
	return "/api/messages/" + url.PathEscape(id)
}

// ============================================================================
// DataSource
// ============================================================================

func (c *Client) FetchPage(ctx context.Context, channelID string, q PageQuery) ([]Message, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.BeforeMessageID != "" {
		query.Set("before", q.BeforeMessageID)
	}
	if q.AfterMessageID != "" {
		query.Set("after", q.AfterMessageID)
	}
	if q.ThreadID != "" {
		query.Set("thread", q.ThreadID)
	}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return msgs, nil
}

func (c *Client) CreateMessage(ctx context.Context, in CreateMessageInput) (*Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(in.ChannelID)+"/messages", in, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, content string, mentions []string) (*Message, error) {
	body := map[string]interface{}{"content": content}
	if mentions != nil {
		body["mentions"] = mentions
	}
	res, err := c.doRequest(ctx, http.MethodPatch, messagePath(messageID), body, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, messagePath(messageID), nil, nil)
	return err
}

func (c *Client) SetPinned(ctx context.Context, messageID string, pinned bool) (*Message, error) {
	method := http.MethodPut
	if !pinned {
		method = http.MethodDelete
	}
	res, err := c.doRequest(ctx, method, messagePath(messageID)+"/pin", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	_, err := c.doRequest(ctx, http.MethodPut, messagePath(messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
	return err
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, messagePath(messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
	return err
}

var _ DataSource = (*Client)(nil)
