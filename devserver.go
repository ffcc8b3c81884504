package huddle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// DevServer
// ============================================================================

// DevServer serves a MemoryBackend over the HTTP, WebSocket and SSE
// contract that Client, WSDialer and SSEDialer speak. The bearer token is
// taken as the caller's user id.
type DevServer struct {
	backend *MemoryBackend
	log     *slog.Logger
	router  *mux.Router

	// SSEHeartbeat is the interval of SSE comment heartbeats.
	SSEHeartbeat time.Duration
}

// NewDevServer creates a dev server over backend.
func NewDevServer(backend *MemoryBackend, log *slog.Logger) *DevServer {
	if log == nil {
		log = defaultLogger()
	}
	s := &DevServer{backend: backend, log: log, router: mux.NewRouter(), SSEHeartbeat: 15 * time.Second}

	r := s.router
	r.HandleFunc("/api/channels/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/channels/{id}/messages", s.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/channels/{id}/typing", s.typing).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{id}", s.updateMessage).Methods(http.MethodPatch)
	r.HandleFunc("/api/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/api/messages/{id}/pin", s.pin(true)).Methods(http.MethodPut)
	r.HandleFunc("/api/messages/{id}/pin", s.pin(false)).Methods(http.MethodDelete)
	r.HandleFunc("/api/messages/{id}/reactions/{emoji}", s.react(true)).Methods(http.MethodPut)
	r.HandleFunc("/api/messages/{id}/reactions/{emoji}", s.react(false)).Methods(http.MethodDelete)
	r.HandleFunc("/ws/channels/{id}", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/sse/channels/{id}", s.serveSSE).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeResult(w, http.StatusOK, map[string]bool{"healthy": true})
	}).Methods(http.MethodGet)
	return s
}

// Handler returns the server's router.
func (s *DevServer) Handler() http.Handler { return s.router }

// EnableHooks accepts signed event envelopes on POST /hooks/events and
// broadcasts them to every push connection of their channel. Stored
// messages are not touched, so hooks can replay duplicates or deliver
// events out of order.
func (s *DevServer) EnableHooks(secret string) error {
	h, err := NewHookHandler(secret, s.backend.Publish)
	if err != nil {
		return err
	}
	s.router.Handle("/hooks/events", h).Methods(http.MethodPost)
	return nil
}

func (s *DevServer) session(r *http.Request) *MemorySession {
	user := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if user == "" {
		user = "anonymous"
	}
	return s.backend.Session(user)
}

// ── Envelope ─────────────────────────────────────────────

func writeResult(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := &APIError{Code: "INTERNAL", Message: err.Error(), Status: http.StatusInternalServerError}
	var e *APIError
	switch {
	case errors.As(err, &e):
		apiErr = e
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		apiErr = &APIError{Code: "TIMEOUT", Message: err.Error(), Status: http.StatusGatewayTimeout}
	}
	status := apiErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Result{OK: false, Error: apiErr})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, &APIError{Code: "BAD_REQUEST", Message: msg, Status: http.StatusBadRequest})
}

// ── REST ─────────────────────────────────────────────────

func (s *DevServer) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := PageQuery{
		BeforeMessageID: q.Get("before"),
		AfterMessageID:  q.Get("after"),
		ThreadID:        q.Get("thread"),
	}
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				badRequest(w, "invalid "+name)
				return
			}
			*dst = n
		}
	}
	msgs, err := s.session(r).FetchPage(r.Context(), mux.Vars(r)["id"], page)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeResult(w, http.StatusOK, msgs)
}

func (s *DevServer) createMessage(w http.ResponseWriter, r *http.Request) {
	var in CreateMessageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid json")
		return
	}
	in.ChannelID = mux.Vars(r)["id"]
	m, err := s.session(r).CreateMessage(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, m)
}

func (s *DevServer) updateMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  *string  `json:"content"`
		Mentions []string `json:"mentions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == nil {
		badRequest(w, "content required")
		return
	}
	m, err := s.session(r).UpdateMessage(r.Context(), mux.Vars(r)["id"], *body.Content, body.Mentions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, m)
}

func (s *DevServer) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.session(r).DeleteMessage(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *DevServer) pin(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.session(r).SetPinned(r.Context(), mux.Vars(r)["id"], pinned)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, http.StatusOK, m)
	}
}

func (s *DevServer) react(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		sess := s.session(r)
		var err error
		if add {
			err = sess.AddReaction(r.Context(), vars["id"], vars["emoji"])
		} else {
			err = sess.RemoveReaction(r.Context(), vars["id"], vars["emoji"])
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *DevServer) typing(w http.ResponseWriter, r *http.Request) {
	var sig TypingSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		badRequest(w, "invalid json")
		return
	}
	sess := s.session(r)
	if sig.UserID == "" {
		sig.UserID = sess.UserID()
	}
	ev := TypingChangedEvent{ChannelID: mux.Vars(r)["id"], At: time.Now(), Signal: sig}
	if err := s.backend.Publish(ev); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// ── Push ─────────────────────────────────────────────────

func (s *DevServer) serveWS(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	ctx := r.Context()
	conn, err := s.session(r).Dial(ctx, channelID)
	if err != nil {
		writeError(w, &APIError{Code: "UNAVAILABLE", Message: err.Error(), Status: http.StatusServiceUnavailable})
		return
	}
	defer conn.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "channel", channelID, "err", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "handler exited")
	s.log.Debug("websocket subscribed", "channel", channelID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			var env Envelope
			if err := wsjson.Read(ctx, ws, &env); err != nil {
				return
			}
			if err := conn.Write(ctx, env); err != nil {
				s.log.Debug("client event rejected", "channel", channelID, "err", err)
			}
		}
	}()

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			ws.Close(websocket.StatusGoingAway, "subscription ended")
			return
		}
		if err := wsjson.Write(ctx, ws, env); err != nil {
			return
		}
	}
}

func (s *DevServer) serveSSE(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}
	ctx := r.Context()
	conn, err := s.session(r).Dial(ctx, channelID)
	if err != nil {
		writeError(w, &APIError{Code: "UNAVAILABLE", Message: err.Error(), Status: http.StatusServiceUnavailable})
		return
	}
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.SSEHeartbeat)
		env, err := conn.Read(readCtx)
		cancel()
		switch {
		case err == nil:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
		default:
			return
		}
		flusher.Flush()
	}
}
