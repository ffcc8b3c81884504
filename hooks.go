package huddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HookSignatureHeader carries the HMAC-SHA256 of an event hook body.
const HookSignatureHeader = "X-Huddle-Signature"

// ============================================================================
// Signatures
// ============================================================================

// SignHook returns the "sha256=<hex>" signature of body under secret.
func SignHook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHookSignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifyHookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignHook(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// HookHandler
// ============================================================================

// HookHandler accepts signed event envelopes from outside producers (bots,
// replay tools) and hands them to publish.
type HookHandler struct {
	secret  string
	publish func(Event) error
}

// NewHookHandler creates a handler. The secret is required.
func NewHookHandler(secret string, publish func(Event) error) (*HookHandler, error) {
	if secret == "" {
		return nil, fmt.Errorf("hook secret is required")
	}
	return &HookHandler{secret: secret, publish: publish}, nil
}

// Handle verifies, decodes and publishes one envelope, returning the status
// code to answer with.
func (h *HookHandler) Handle(body []byte, signature string) (int, error) {
	if !VerifyHookSignature(body, signature, h.secret) {
		return http.StatusUnauthorized, &APIError{Code: "UNAUTHORIZED", Message: "invalid signature", Status: http.StatusUnauthorized}
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: "invalid JSON in hook body", Status: http.StatusBadRequest}
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		return http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: err.Error(), Status: http.StatusBadRequest}
	}
	if err := h.publish(ev); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusAccepted, nil
}

func (h *HookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, &APIError{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, "failed to read body")
		return
	}
	status, err := h.Handle(body, r.Header.Get(HookSignatureHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, status, map[string]bool{"ok": true})
}
