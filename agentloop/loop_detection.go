package agentloop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// maxLoopPeriod is the longest repeating cycle DetectLoop looks for.
const maxLoopPeriod = 3

// actionSignature identifies an action by name and argument digest.
// encoding/json sorts map keys, so equal arguments produce equal digests.
func actionSignature(req ActionRequest) string {
	data, err := json.Marshal(req.Arguments)
	if err != nil {
		data = fmt.Append(nil, req.Arguments)
	}
	sum := sha256.Sum256(data)
	return req.Name + ":" + hex.EncodeToString(sum[:8])
}

// repeatDetector keeps the most recent signatures of one session.
type repeatDetector struct {
	window int
	recent []string
}

func newRepeatDetector(window int) *repeatDetector {
	return &repeatDetector{window: window}
}

// Observe records req and reports whether the recent actions cycle. The
// history restarts after a hit so one loop yields one warning.
func (d *repeatDetector) Observe(req ActionRequest) bool {
	if d == nil || d.window < 2 {
		return false
	}
	d.recent = append(d.recent, actionSignature(req))
	if extra := len(d.recent) - d.window; extra > 0 {
		d.recent = d.recent[extra:]
	}
	if !DetectLoop(d.recent, d.window) {
		return false
	}
	d.recent = d.recent[:0]
	return true
}

// DetectLoop reports whether the last window signatures are a cycle of
// period 1 to 3 that repeats at least twice and divides the window.
func DetectLoop(sigs []string, window int) bool {
	if window <= 0 || len(sigs) < window {
		return false
	}
	tail := sigs[len(sigs)-window:]
	for period := 1; period <= maxLoopPeriod && period < window; period++ {
		if window%period == 0 && periodic(tail, period) {
			return true
		}
	}
	return false
}

func periodic(sigs []string, period int) bool {
	for i := period; i < len(sigs); i++ {
		if sigs[i] != sigs[i-period] {
			return false
		}
	}
	return true
}
