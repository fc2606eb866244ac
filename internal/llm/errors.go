package llm

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection-level failures. These terminate the turn and
// are surfaced once; per-line parse errors and per-invocation tool errors
// never reach this level.
var (
	ErrInvalidCredential = errors.New("upstream rejected credentials")
	ErrOverQuota         = errors.New("quota exceeded")
)

// TimeoutError distinguishes idle-read expiry from tool-call expiry. Both are
// catchable and carry the phase they fired in.
type TimeoutError struct {
	Phase string // "idle" or "tool"
	Tool  string // set for tool timeouts
}

func (e *TimeoutError) Error() string {
	if e.Phase == "tool" {
		return fmt.Sprintf("tool call timed out: %s", e.Tool)
	}
	return "upstream idle timeout"
}

// IsIdleTimeout reports whether err is an idle-read timeout.
func IsIdleTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) && te.Phase == "idle"
}

// UpstreamError covers any other non-2xx or transport failure from the
// provider.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Body)
}

// ToolLoopExceededError is returned when the model keeps requesting tools
// past the defensive round cap.
type ToolLoopExceededError struct {
	Rounds int
}

func (e *ToolLoopExceededError) Error() string {
	return fmt.Sprintf("tool loop exceeded max rounds (%d)", e.Rounds)
}
