package agentloop

import (
	"encoding/json"
	"fmt"
)

// ActionResult is the outcome of one capability invocation: either a
// success carrying a payload or a failure carrying a message for the model.
type ActionResult struct {
	failed  bool
	payload any
	message string
}

// Success wraps a handler payload. The payload is either plain text or a
// structured record such as ShellResult.
func Success(payload any) ActionResult {
	return ActionResult{payload: payload}
}

// Failure reports a handler failure. The message is shown to the model as
// the next user turn.
func Failure(message string) ActionResult {
	return ActionResult{failed: true, message: message}
}

// Failuref is Failure with fmt.Sprintf formatting.
func Failuref(format string, args ...any) ActionResult {
	return Failure(fmt.Sprintf(format, args...))
}

// Failed reports whether the result is the Failure variant.
func (r ActionResult) Failed() bool { return r.failed }

// Payload returns the success payload, or nil for a failure.
func (r ActionResult) Payload() any { return r.payload }

// Message returns the failure message, or "" for a success.
func (r ActionResult) Message() string { return r.message }

// DefaultFormatter renders a payload for the model when a capability does
// not name a formatter: strings pass through, Stringers use String, and
// anything else is rendered as indented JSON.
func DefaultFormatter(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case []byte:
		return string(v), nil
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format payload: %w", err)
	}
	return string(data), nil
}
