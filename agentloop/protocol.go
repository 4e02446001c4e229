package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CompletionAction is the reserved action the model selects to finish.
const CompletionAction = "task_complete"

// Reply protocol errors.
var (
	ErrMalformedReply   = errors.New("malformed reply")
	ErrNoActionSelected = errors.New("no action selected")
	ErrInvalidArguments = errors.New("invalid action arguments")
)

// ActionRequest is the action selected by one model reply.
type ActionRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"parameters"`
}

const (
	fenceOpen  = "```json\n"
	fenceClose = "\n```"
)

// StripCodeFence removes a single ```json fence wrapping the whole reply.
// Replies without an exact fence are returned unchanged.
func StripCodeFence(text string) string {
	if len(text) >= len(fenceOpen)+len(fenceClose) &&
		strings.HasPrefix(text, fenceOpen) && strings.HasSuffix(text, fenceClose) {
		return text[len(fenceOpen) : len(text)-len(fenceClose)]
	}
	return text
}

// ParseReply trims the reply, strips an optional code fence and decodes it
// as a JSON object.
func ParseReply(text string) (map[string]any, error) {
	body := StripCodeFence(strings.TrimSpace(text))
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %s", ErrMalformedReply, jsonKind(v))
	}
	return obj, nil
}

// ExtractAction reads the tool_to_use selection from a decoded reply.
// A missing or null selection, or an empty name, yields ErrNoActionSelected.
// Parameters that are present but not an object yield ErrInvalidArguments.
func ExtractAction(obj map[string]any) (ActionRequest, error) {
	sel, ok := obj["tool_to_use"].(map[string]any)
	if !ok {
		return ActionRequest{}, ErrNoActionSelected
	}
	name, _ := sel["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return ActionRequest{}, ErrNoActionSelected
	}
	req := ActionRequest{Name: name, Arguments: map[string]any{}}
	switch params := sel["parameters"].(type) {
	case nil:
	case map[string]any:
		req.Arguments = params
	default:
		return req, fmt.Errorf("%w: parameters for %s must be an object, got %s", ErrInvalidArguments, name, jsonKind(params))
	}
	return req, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
