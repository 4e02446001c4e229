package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode picks which part of an oversized observation survives.
type TruncationMode string

const (
	// TruncateHeadTail keeps both ends and drops the middle.
	TruncateHeadTail TruncationMode = "head_tail"
	// TruncateTail keeps only the end.
	TruncateTail TruncationMode = "tail"
)

// outputLimit bounds what one capability may append to the conversation.
// A zero lines value means no line limit.
type outputLimit struct {
	chars int
	lines int
	mode  TruncationMode
}

var fallbackLimit = outputLimit{chars: 30000, mode: TruncateHeadTail}

var observationLimits = map[string]outputLimit{
	ActionReadFile:     {chars: 50000, mode: TruncateHeadTail},
	ActionShell:        {chars: 30000, lines: 400, mode: TruncateHeadTail},
	ActionFetchWebpage: {chars: 20000, lines: 600, mode: TruncateHeadTail},
	ActionGenerateCode: {chars: 30000, mode: TruncateHeadTail},
	ActionWriteFile:    {chars: 1000, mode: TruncateTail},
}

// TruncateOutput cuts output to maxChars bytes and says how much it removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	removed := len(output) - maxChars
	if maxChars <= 0 || removed <= 0 {
		return output
	}
	if mode == TruncateTail {
		note := fmt.Sprintf("[WARNING: Output was truncated. First %d characters were removed.]\n\n", removed)
		return note + output[removed:]
	}
	head := maxChars / 2
	tail := output[len(output)-head:]
	return fmt.Sprintf("%s\n\n[WARNING: Output was truncated. %d characters were removed from the middle. "+
		"If you need specific parts, repeat the action with a narrower request.]\n\n%s", output[:head], removed, tail)
}

// TruncateLines keeps the first and last lines of output so that at most
// maxLines remain, plus a marker line.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	kept := append(append([]string{}, lines[:head]...),
		fmt.Sprintf("[... %d lines omitted ...]", len(lines)-maxLines))
	kept = append(kept, lines[len(lines)-tail:]...)
	return strings.Join(kept, "\n")
}

// TruncateObservation bounds the text appended to the conversation for one
// action. charOverrides replaces the built-in character limit per action.
func TruncateObservation(output, action string, charOverrides map[string]int) string {
	limit, ok := observationLimits[action]
	if !ok {
		limit = fallbackLimit
	}
	if n, ok := charOverrides[action]; ok {
		limit.chars = n
	}
	return TruncateLines(TruncateOutput(output, limit.chars, limit.mode), limit.lines)
}
