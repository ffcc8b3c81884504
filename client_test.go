package huddle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonHandler(t *testing.T, status int, body string, inspect func(r *http.Request)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func TestClientFetchPage(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(jsonHandler(t, 200,
		`{"ok":true,"data":[{"id":"m1","channelId":"c1","content":"hi","createdAt":"2020-03-01T09:00:01Z","updatedAt":"2020-03-01T09:00:01Z"}]}`,
		func(r *http.Request) { got = r }))
	defer srv.Close()

	c := NewClient("user-001", WithBaseURL(srv.URL+"/"))
	msgs, err := c.FetchPage(context.Background(), "c1", PageQuery{Limit: 20, BeforeMessageID: "m9", ThreadID: "root"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text())

	assert.Equal(t, "/api/channels/c1/messages", got.URL.Path)
	assert.Equal(t, "20", got.URL.Query().Get("limit"))
	assert.Equal(t, "m9", got.URL.Query().Get("before"))
	assert.Equal(t, "root", got.URL.Query().Get("thread"))
	assert.Empty(t, got.URL.Query().Get("offset"))
	assert.Equal(t, "Bearer user-001", got.Header.Get("Authorization"))
}

func TestClientCreateMessageBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(jsonHandler(t, 201, `{"ok":true,"data":{"id":"m5","clientId":"n1","channelId":"c1"}}`,
		func(r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/channels/c1/messages", r.URL.Path)
			json.NewDecoder(r.Body).Decode(&body)
		}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	m, err := c.CreateMessage(context.Background(), CreateMessageInput{ChannelID: "c1", Content: String("x"), Type: MessageText, ClientID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "m5", m.ID)
	assert.Equal(t, "n1", body["clientId"])
	assert.Equal(t, "x", body["content"])
	assert.NotContains(t, body, "channelId")
}

func TestClientUpdateAndPinRoutes(t *testing.T) {
	var calls []string
	var lastBody map[string]any
	srv := httptest.NewServer(jsonHandler(t, 200, `{"ok":true,"data":{"id":"m1"}}`, func(r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.EscapedPath())
		lastBody = nil
		json.NewDecoder(r.Body).Decode(&lastBody)
	}))
	defer srv.Close()
	c := NewClient("", WithBaseURL(srv.URL))
	ctx := context.Background()

	_, err := c.UpdateMessage(ctx, "m1", "edited", []string{"u2"})
	require.NoError(t, err)
	assert.Equal(t, "edited", lastBody["content"])
	assert.Equal(t, []any{"u2"}, lastBody["mentions"])

	_, err = c.UpdateMessage(ctx, "m1", "again", nil)
	require.NoError(t, err)
	assert.NotContains(t, lastBody, "mentions")

	_, err = c.SetPinned(ctx, "m1", true)
	require.NoError(t, err)
	_, err = c.SetPinned(ctx, "m1", false)
	require.NoError(t, err)
	require.NoError(t, c.AddReaction(ctx, "m1", "👍"))
	require.NoError(t, c.RemoveReaction(ctx, "m1", "👍"))
	require.NoError(t, c.DeleteMessage(ctx, "m1"))

	assert.Equal(t, []string{
		"PATCH /api/messages/m1",
		"PATCH /api/messages/m1",
		"PUT /api/messages/m1/pin",
		"DELETE /api/messages/m1/pin",
		"PUT /api/messages/m1/reactions/%F0%9F%91%8D",
		"DELETE /api/messages/m1/reactions/%F0%9F%91%8D",
		"DELETE /api/messages/m1",
	}, calls)
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
	}{
		{"not found", 404, `{"ok":false,"error":{"code":"NOT_FOUND","message":"gone"}}`, ErrConflict, "NOT_FOUND"},
		{"conflict", 409, `{"ok":false,"error":{"code":"CONFLICT","message":"stale"}}`, ErrConflict, "CONFLICT"},
		{"rate limited", 429, `{"ok":false,"error":{"code":"RATE_LIMITED","message":"slow down"}}`, ErrTransientNetwork, "RATE_LIMITED"},
		{"server error", 503, `{"ok":false,"error":{"code":"UNAVAILABLE","message":"later"}}`, ErrTransientNetwork, "UNAVAILABLE"},
		{"proxy page", 502, `<html>bad gateway</html>`, ErrTransientNetwork, "HTTP_ERROR"},
		{"not ok without status", 200, `{"ok":false}`, ErrConflict, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(jsonHandler(t, tt.status, tt.body, nil))
			defer srv.Close()

			err := NewClient("", WithBaseURL(srv.URL)).DeleteMessage(context.Background(), "m1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient("", WithBaseURL(url)).FetchPage(context.Background(), "c1", PageQuery{})
	assert.ErrorIs(t, err, ErrTransientNetwork)
}

func TestClientDialersDropTimeout(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://huddle.example"))
	ws := c.Dialer()
	assert.Equal(t, "https://huddle.example", ws.BaseURL)
	assert.Equal(t, "tok", ws.Token)
	assert.Zero(t, ws.HTTPClient.Timeout)
	assert.Zero(t, c.SSEDialer().HTTPClient.Timeout)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
}
