package agentloop

import "strings"

// requireString returns a non-blank string argument, or the Failure the
// capability reports when it is missing.
func requireString(args map[string]any, key, capability string) (string, *ActionResult) {
	s, _ := args[key].(string)
	if strings.TrimSpace(s) == "" {
		res := Failuref("Missing %s parameter for %s", key, capability)
		return "", &res
	}
	return s, nil
}

// optionalString returns a string argument, or def when it is absent or
// not a string.
func optionalString(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return def
}
