// Package chat holds the client side of a conversation: the archived turns,
// the streaming draft and the controller that drives one generation at a time.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/chirpchat/internal/protocol"
)

type Turn = protocol.Turn

// Error codes surfaced through ErrorState.
const (
	CodeAuthFailed      = "auth_failed"
	CodeRateLimited     = "rate_limited"
	CodeRequestFailed   = "request_failed"
	CodeTransportFailed = "transport_failed"
	CodeTimeout         = "timeout"
)

// ErrorState is the user-visible failure of the last request attempt.
type ErrorState struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DraftPolicy decides what happens to partial text when a stream fails
// after content has arrived. Cancellation always preserves the draft.
type DraftPolicy int

const (
	PreserveDraft DraftPolicy = iota
	DiscardDraft
)

func ParseDraftPolicy(v string) (DraftPolicy, error) {
	switch v {
	case "", "preserve":
		return PreserveDraft, nil
	case "discard":
		return DiscardDraft, nil
	default:
		return PreserveDraft, fmt.Errorf("unknown draft policy %q (expected preserve|discard)", v)
	}
}

// State is the phase of the request controller.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

func (s State) Active() bool {
	return s == StateSending || s == StateStreaming
}

// Cancellation causes.
var (
	ErrStopped    = errors.New("generation stopped")
	ErrSuperseded = errors.New("generation superseded by a newer request")
	ErrTimeout    = errors.New("generation timed out")
)

// StatusError is a request rejected by the relay before any stream started.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay status %d: %s", e.StatusCode, e.Message)
}
