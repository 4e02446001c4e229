package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, timeout time.Duration) (*ShellRunner, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewShellRunner(timeout)
	r.TempDir = dir
	r.KillGrace = 500 * time.Millisecond
	return r, dir
}

func assertNoScripts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "script files must be removed")
}

func TestShellRunnerSuccess(t *testing.T) {
	r, dir := newTestRunner(t, 10*time.Second)

	res := r.Run(context.Background(), "echo hello\necho   ")

	assert.Equal(t, "hello", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Empty(t, res.ExtraError)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Positive(t, res.Duration)
	assertNoScripts(t, dir)
}

func TestShellRunnerNonZeroExitNormalizesStderr(t *testing.T) {
	r, dir := newTestRunner(t, 10*time.Second)

	res := r.Run(context.Background(), "shellpilot_no_such_command_xyz")

	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, "bash: shellpilot_no_such_command_xyz: command not found", res.Stderr)
	assert.NotContains(t, res.Stderr, dir)
	assertNoScripts(t, dir)
}

func TestShellRunnerExitStatus(t *testing.T) {
	r, dir := newTestRunner(t, 10*time.Second)

	res := r.Run(context.Background(), "echo out; echo err >&2; exit 3")

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assertNoScripts(t, dir)
}

func TestShellRunnerTimeoutKillsProcessGroup(t *testing.T) {
	r, dir := newTestRunner(t, 200*time.Millisecond)

	start := time.Now()
	res := r.Run(context.Background(), "echo partial\nsleep 30 &\nsleep 30")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Second)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -9, res.ExitCode)
	assert.Empty(t, res.Stdout, "output of a killed run is discarded")
	assert.Equal(t, "Error: The command execution exceeded the timeout of 0.2 seconds and was killed.", res.ExtraError)
	assertNoScripts(t, dir)
}

func TestShellRunnerCancelled(t *testing.T) {
	r, dir := newTestRunner(t, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := r.Run(ctx, "sleep 30")

	assert.False(t, res.TimedOut)
	assert.Contains(t, res.ExtraError, "cancelled")
	assert.Negative(t, res.ExitCode)
	assertNoScripts(t, dir)
}

func TestShellRunnerInterpreterMissing(t *testing.T) {
	r, dir := newTestRunner(t, time.Second)
	r.Interpreter = "shellpilot-no-such-interpreter"

	res := r.Run(context.Background(), "echo hi")

	assert.Equal(t, ExitCodeInternal, res.ExitCode)
	assert.Contains(t, res.ExtraError, "Unexpected error:")
	assertNoScripts(t, dir)
}

func TestShellRunnerUnwritableTempDir(t *testing.T) {
	r := &ShellRunner{TempDir: filepath.Join(t.TempDir(), "missing", "dir")}

	res := r.Run(context.Background(), "echo hi")

	assert.Equal(t, ExitCodeInternal, res.ExitCode)
	assert.Contains(t, res.ExtraError, "create script")
}

func TestShellRunnerWorkingDirAndEnv(t *testing.T) {
	r, _ := newTestRunner(t, 10*time.Second)
	r.Dir = t.TempDir()
	r.Env = []string{"PATH=" + os.Getenv("PATH"), "SHELLPILOT_PROBE=42"}

	res := r.Run(context.Background(), `pwd; echo "$SHELLPILOT_PROBE"`)

	require.Equal(t, 0, res.ExitCode)
	want, err := filepath.EvalSymlinks(r.Dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(firstLine(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Contains(t, res.Stdout, "42")
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func TestFilteredEnvironment(t *testing.T) {
	t.Setenv("SHELLPILOT_TEST_API_KEY", "secret")
	t.Setenv("SHELLPILOT_TEST_VISIBLE", "ok")

	env := FilteredEnvironment()

	assert.Contains(t, env, "SHELLPILOT_TEST_VISIBLE=ok")
	assert.NotContains(t, env, "SHELLPILOT_TEST_API_KEY=secret")
}

func TestNormalizeStderr(t *testing.T) {
	script := "/tmp/shellpilot-123.sh"
	in := script + ": line 2: foo: command not found\n" +
		"other text mentioning " + script + "\n" +
		script + ": line 10: bar: No such file or directory"

	got := normalizeStderr(in, script, "/bin/bash")

	assert.Equal(t, "bash: foo: command not found\n"+
		"other text mentioning "+script+"\n"+
		"bash: bar: No such file or directory", got)
}

func TestFormatShellResult(t *testing.T) {
	tests := []struct {
		name string
		res  ShellResult
		want string
	}{
		{
			name: "success",
			res:  ShellResult{Stdout: "a\nb", ExitCode: 0},
			want: "Output of the command:\n```\na\nb\n```\nExit status: 0",
		},
		{
			name: "no output",
			res:  ShellResult{},
			want: "Output of the command:\n```\n(The command produced no output)\n```\nExit status: 0",
		},
		{
			name: "failure",
			res:  ShellResult{Stderr: "boom", ExitCode: 1},
			want: "Output of the command:\n```\n(The command produced no output)\n```\n" +
				"Errors:\n```\nboom\n```\nExit status: 1",
		},
		{
			name: "timeout",
			res:  ShellResult{ExtraError: "Error: timed out", ExitCode: -9},
			want: "Output of the command:\n```\n(The command produced no output)\n```\n" +
				"Errors:\n```\n(The command produced no error output)\nError: timed out\n```\nExit status: -9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatShellResult(tt.res))
			assert.Equal(t, tt.want, tt.res.String())
		})
	}
}

func TestFormatShellPayload(t *testing.T) {
	res := ShellResult{Stdout: "x"}

	got, err := formatShellPayload(res)
	require.NoError(t, err)
	assert.Equal(t, FormatShellResult(res), got)

	got, err = formatShellPayload(&res)
	require.NoError(t, err)
	assert.Equal(t, FormatShellResult(res), got)

	_, err = formatShellPayload("text")
	assert.Error(t, err)
}
