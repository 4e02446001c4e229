package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultShellTimeout bounds a single shell action.
	DefaultShellTimeout = 120 * time.Second

	// ExitCodeInternal marks a failure inside the runner itself (script not
	// written, interpreter not started), as opposed to the child's status.
	ExitCodeInternal = -1

	scriptHeader     = "# Note: this file contains the command to be executed by the LLM.\n"
	defaultKillGrace = 2 * time.Second
)

// ShellResult is the structured payload of a shell action.
type ShellResult struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExtraError string        `json:"extra_error,omitempty"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// String renders the result the way the model sees it.
func (r ShellResult) String() string {
	return FormatShellResult(r)
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are withheld from model-chosen commands.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// FilteredEnvironment returns the process environment minus variables that
// look like credentials.
func FilteredEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// ShellRunner executes one command string at a time through a throwaway
// script file. The zero value runs bash with DefaultShellTimeout.
type ShellRunner struct {
	// Interpreter runs the script; default "bash".
	Interpreter string
	// Timeout bounds each run; zero means DefaultShellTimeout.
	Timeout time.Duration
	// TempDir holds the script files; empty means os.TempDir().
	TempDir string
	// Dir is the working directory of the child; empty inherits ours.
	Dir string
	// Env is the child environment; nil means FilteredEnvironment().
	Env []string
	// KillGrace bounds how long Run waits for output pipes after the
	// process group was killed.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// NewShellRunner returns a bash runner with the given timeout.
func NewShellRunner(timeout time.Duration) *ShellRunner {
	return &ShellRunner{Timeout: timeout}
}

func (r *ShellRunner) interpreter() string {
	if r.Interpreter == "" {
		return "bash"
	}
	return r.Interpreter
}

func (r *ShellRunner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultShellTimeout
	}
	return r.Timeout
}

func (r *ShellRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run writes command to a fresh script, runs it under the timeout, and
// removes the script before returning. Every failure is reported inside the
// returned ShellResult.
func (r *ShellRunner) Run(ctx context.Context, command string) ShellResult {
	start := time.Now()
	res := r.run(ctx, command)
	res.Duration = time.Since(start)
	return res
}

func (r *ShellRunner) run(ctx context.Context, command string) ShellResult {
	script, err := r.writeScript(command)
	if err != nil {
		return internalFailure(err)
	}
	defer r.removeScript(script)

	timeout := r.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter(), script)
	cmd.Dir = r.Dir
	cmd.Env = r.Env
	if cmd.Env == nil {
		cmd.Env = FilteredEnvironment()
	}
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultKillGrace
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if cmd.ProcessState == nil {
		// The interpreter never started.
		return internalFailure(runErr)
	}

	res := ShellResult{ExitCode: cmd.ProcessState.ExitCode()}
	if code, ok := signalExitCode(cmd.ProcessState); ok {
		res.ExitCode = code
	}

	if ctxErr := runCtx.Err(); ctxErr != nil && runErr != nil {
		// Output of a killed run is discarded rather than reported partially.
		res.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil
		if res.TimedOut {
			res.ExtraError = fmt.Sprintf("Error: The command execution exceeded the timeout of %s seconds and was killed.", formatSeconds(timeout))
		} else {
			res.ExtraError = "Error: The command execution was cancelled and was killed."
		}
		r.logger().Debug("shell command killed",
			"timed_out", res.TimedOut,
			"exit_code", res.ExitCode,
		)
		return res
	}

	res.Stdout = strings.TrimSpace(stdout.String())
	res.Stderr = normalizeStderr(strings.TrimSpace(stderr.String()), script, r.interpreter())
	if errors.Is(runErr, exec.ErrWaitDelay) {
		res.ExtraError = "Warning: output pipes were held open by a background process and were closed."
	}
	return res
}

func (r *ShellRunner) writeScript(command string) (string, error) {
	f, err := os.CreateTemp(r.TempDir, "shellpilot-*.sh")
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	name := f.Name()
	if abs, aerr := filepath.Abs(name); aerr == nil {
		name = abs
	}
	_, werr := f.WriteString(scriptHeader + command)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		r.removeScript(name)
		return "", fmt.Errorf("write script: %w", werr)
	}
	return name, nil
}

func (r *ShellRunner) removeScript(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger().Warn("failed to remove shell script", "path", path, "error", err)
	}
}

func internalFailure(err error) ShellResult {
	return ShellResult{
		ExtraError: fmt.Sprintf("Unexpected error: %v", err),
		ExitCode:   ExitCodeInternal,
	}
}

// normalizeStderr rewrites the interpreter's "<script>: line N: " prefixes
// to "<interpreter>: " so transcripts do not depend on the random script
// name.
func normalizeStderr(stderr, script, interpreter string) string {
	if stderr == "" {
		return stderr
	}
	re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(script) + `:(?: line)? \d+: `)
	return re.ReplaceAllLiteralString(stderr, filepath.Base(interpreter)+": ")
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// FormatShellResult renders a ShellResult for the model: the output block,
// an error block when the exit status is non-zero, and the exit status.
func FormatShellResult(r ShellResult) string {
	out := r.Stdout
	if out == "" {
		out = "(The command produced no output)"
	}
	errText := r.Stderr
	if errText == "" {
		errText = "(The command produced no error output)"
	}
	if r.ExtraError != "" {
		errText += "\n" + r.ExtraError
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Output of the command:\n```\n%s\n```\n", out)
	if r.ExitCode != 0 {
		fmt.Fprintf(&sb, "Errors:\n```\n%s\n```\n", errText)
	}
	fmt.Fprintf(&sb, "Exit status: %d", r.ExitCode)
	return sb.String()
}

// formatShellPayload adapts FormatShellResult to the Formatter signature.
func formatShellPayload(payload any) (string, error) {
	switch r := payload.(type) {
	case ShellResult:
		return FormatShellResult(r), nil
	case *ShellResult:
		if r == nil {
			return "", errors.New("format shell result: nil result")
		}
		return FormatShellResult(*r), nil
	default:
		return "", fmt.Errorf("format shell result: unexpected payload %T", payload)
	}
}
