package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrTransientNetwork matches any failure where no usable response was
	// received. Such failures are retryable and say nothing about the data.
	ErrTransientNetwork = errors.New("chatsync: transient network error")

	// ErrStaleRequest is reported internally when a response arrives for a
	// request superseded by a conversation switch. It is never surfaced.
	ErrStaleRequest = errors.New("chatsync: stale request")

	// ErrDuplicateDelivery marks a push event for a message already in the
	// timeline. It is dropped silently and is not counted as an error.
	ErrDuplicateDelivery = errors.New("chatsync: duplicate delivery")

	// ErrSendTimeout is the cause attached to placeholders failed by the reaper.
	ErrSendTimeout = errors.New("chatsync: no confirmation received")

	ErrNoConversation = errors.New("chatsync: no conversation open")
	ErrNotFound       = errors.New("chatsync: message not found")
	ErrNotFailed      = errors.New("chatsync: message is not in failed state")
	ErrEmptyMessage   = errors.New("chatsync: message body and attachments are empty")
	ErrClosed         = errors.New("chatsync: engine stopped")
)

// ============================================================================
// NetworkError
// ============================================================================

// NetworkError wraps a transport failure (no response, timeout, gateway error).
type NetworkError struct {
	Op      string
	Status  int
	Err     error
	timeout bool
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransientNetwork) match every NetworkError.
func (e *NetworkError) Is(target error) bool { return target == ErrTransientNetwork }

// Timeout reports whether the request ran out of time rather than failing outright.
func (e *NetworkError) Timeout() bool { return e.timeout }

// ============================================================================
// RejectedError
// ============================================================================

// RejectedError is a definitive refusal by the server (validation, permission,
// not found). Its message is meant to be shown to the user verbatim and the
// request is never retried automatically.
type RejectedError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// SendError
// ============================================================================

// SendError is emitted with the message.failed event for a placeholder that
// could not be confirmed.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether Retry is worth offering to the user. Rejections
// are final; everything else (network, reaper timeout) may succeed later.
func (e *SendError) Retryable() bool {
	var rej *RejectedError
	return !errors.As(e.Err, &rej)
}

// IsRejected reports whether err carries a server rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// transientStatus reports the HTTP statuses treated as "no response": the
// request never reached the store of record.
func transientStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
