package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody caps the size of an accepted webhook body.
const maxWebhookBody = 1 << 20

// ============================================================================
// Signatures
// ============================================================================

// SignWebhook returns the "sha256=<hex>" signature of body under secret.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhook(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook is a push source for deployments where the server POSTs events
// instead of holding a connection open. Each request carries one envelope.
type Webhook struct {
	secret  string
	handler EventHandler
	log     *zap.Logger
}

// NewWebhook creates a webhook receiver delivering verified events to
// handler.
func NewWebhook(secret string, handler EventHandler, log *zap.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Webhook{secret: secret, handler: handler, log: log.With(zap.String("transport", "webhook"))}, nil
}

// Handle verifies, decodes and dispatches one delivery. It returns the
// status code and response body for the caller to write.
func (w *Webhook) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	ev, ok, err := DecodeEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if ok && w.handler != nil {
		w.handler(ev)
	} else {
		w.log.Debug("webhook_event_ignored")
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
//
// Example:
//
//	wh, _ := chatsync.NewWebhook("secret", engine.HandleEvent, logger)
//	http.Handle("/webhook", wh)
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
