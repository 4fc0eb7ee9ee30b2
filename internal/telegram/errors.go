package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"
)

// FloodWaitError is the platform's back-pressure signal: wait RetryAfter
// before retrying the same call.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// AuthError marks an invalidated session. The rate-limit adapter
// reconnects once on this; a second occurrence is fatal.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization invalid: %s", e.Reason)
}

// PeerError marks an unresolvable or vanished peer/message. Item-level:
// the caller skips the item and continues.
type PeerError struct {
	Reason string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer unavailable: %s", e.Reason)
}

// ErrNotJoined is returned when an invite link points to a chat the
// current account has not joined.
var ErrNotJoined = errors.New("chat not joined by current account")

// notFoundTypes are RPC error types that mean the peer or message is
// gone rather than the call being retryable.
var notFoundTypes = []string{
	"PEER_ID_INVALID",
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"MESSAGE_ID_INVALID",
	"MSG_ID_INVALID",
	"CHAT_ID_INVALID",
	"USER_NOT_PARTICIPANT",
}

// mapRPCError converts a raw gotd error into the typed taxonomy the
// rest of the system dispatches on. Unknown errors pass through.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &FloodWaitError{RetryAfter: d}
	}
	rpc, ok := tgerr.As(err)
	if !ok {
		return err
	}
	if rpc.Code == 401 {
		return &AuthError{Reason: rpc.Type}
	}
	for _, t := range notFoundTypes {
		if rpc.Type == t {
			return &PeerError{Reason: rpc.Type}
		}
	}
	return err
}

// AsFloodWait extracts the wait duration from a flood-wait error.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter, true
	}
	return 0, false
}

// IsAuthError reports whether err is a session-invalid error.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNotFound reports whether err means the peer or message is gone.
func IsNotFound(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is a retryable server or transport
// failure (5xx RPC codes and connection-level errors).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if rpc, ok := tgerr.As(err); ok {
		return rpc.Code >= 500
	}
	msg := err.Error()
	return strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "EOF")
}
