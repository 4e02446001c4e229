package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/martinemde/shellpilot/unifiedllm"
)

// Built-in capability names.
const (
	ActionReadFile     = "read_file"
	ActionWriteFile    = "write_file"
	ActionShell        = "execute_shell_command"
	ActionFetchWebpage = "fetch_webpage"
	ActionGenerateCode = "generate_code"
)

// ShellFormatterName is the formatter table key for shell results.
const ShellFormatterName = "format_shell_command_result"

// WebFetcher converts a web page to readable text.
type WebFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Deps are the collaborators of the built-in capabilities. A nil Fetcher
// or Coder leaves the matching capability unregistered.
type Deps struct {
	Shell   *ShellRunner
	Fetcher WebFetcher

	Coder         *unifiedllm.Client
	CoderModel    string
	CoderProvider string

	// WorkDir resolves relative file names; empty means the process
	// working directory.
	WorkDir string
	Logger  *slog.Logger
}

// DefaultFormatters is the formatter table of the built-in capabilities.
func DefaultFormatters() map[string]Formatter {
	return map[string]Formatter{
		ShellFormatterName: formatShellPayload,
	}
}

// NewDefaultRegistry builds the registry of built-in capabilities.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	if deps.Shell == nil {
		deps.Shell = &ShellRunner{Dir: deps.WorkDir, Logger: deps.Logger}
	}
	b := &builtins{deps: deps}

	reg := NewRegistry(DefaultFormatters())
	caps := []Capability{
		{
			Name:        ActionReadFile,
			Description: "Read a text file and return its full content.",
			Parameters: objectSchema(map[string]any{
				"filename": stringProp("Path of the file to read."),
			}, "filename"),
			Handler: b.readFile,
		},
		{
			Name:        ActionWriteFile,
			Description: "Write content to a file, replacing it. Parent directories are created as needed.",
			Parameters: objectSchema(map[string]any{
				"filename": stringProp("Path of the file to write."),
				"content":  withDefault(stringProp("Full file content."), ""),
			}, "filename"),
			Handler: b.writeFile,
		},
		{
			Name:        ActionShell,
			Description: "Run a bash command and return its output, error output and exit status.",
			Parameters: objectSchema(map[string]any{
				"command": stringProp("The command or script to run."),
			}, "command"),
			Handler:   b.executeShell,
			Formatter: ShellFormatterName,
		},
	}
	if deps.Fetcher != nil {
		caps = append(caps, Capability{
			Name:        ActionFetchWebpage,
			Description: "Download a web page and return its readable text.",
			Parameters: objectSchema(map[string]any{
				"url": stringProp("Absolute http or https URL."),
			}, "url"),
			Handler: b.fetchWebpage,
		})
	}
	if deps.Coder != nil {
		caps = append(caps, Capability{
			Name:        ActionGenerateCode,
			Description: "Ask a dedicated coding model to write code. Returns the code, or writes it to filename when given.",
			Parameters: objectSchema(map[string]any{
				"instructions": stringProp("What the code must do."),
				"language":     stringProp("Programming language."),
				"filename":     stringProp("Optional file to write the code to."),
			}, "instructions"),
			Handler: b.generateCode,
		})
	}

	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

type builtins struct {
	deps Deps
}

func (b *builtins) resolve(name string) string {
	if b.deps.WorkDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(b.deps.WorkDir, name)
}

func (b *builtins) readFile(_ context.Context, args map[string]any) ActionResult {
	filename, fail := requireString(args, "filename", ActionReadFile)
	if fail != nil {
		return *fail
	}
	data, err := os.ReadFile(b.resolve(filename))
	if err != nil {
		return Failuref("Read error: %v", err)
	}
	return Success(fmt.Sprintf("Successfully read %s:\n%s", filename, data))
}

func (b *builtins) writeFile(_ context.Context, args map[string]any) ActionResult {
	filename, fail := requireString(args, "filename", ActionWriteFile)
	if fail != nil {
		return *fail
	}
	content := optionalString(args, "content", "")
	if err := writeFileAll(b.resolve(filename), content); err != nil {
		return Failuref("Write error: %v", err)
	}
	return Success(fmt.Sprintf("Successfully wrote to %s", filename))
}

func writeFileAll(path, content string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (b *builtins) executeShell(ctx context.Context, args map[string]any) ActionResult {
	command, fail := requireString(args, "command", ActionShell)
	if fail != nil {
		return *fail
	}
	return Success(b.deps.Shell.Run(ctx, command))
}

func (b *builtins) fetchWebpage(ctx context.Context, args map[string]any) ActionResult {
	url, fail := requireString(args, "url", ActionFetchWebpage)
	if fail != nil {
		return *fail
	}
	text, err := b.deps.Fetcher.FetchText(ctx, url)
	if err != nil {
		return Failuref("Fetch error: %v", err)
	}
	return Success(text)
}

const coderSystemPrompt = "You are a senior software engineer. Reply with the requested code only, " +
	"without explanations. Use a single fenced code block."

func (b *builtins) generateCode(ctx context.Context, args map[string]any) ActionResult {
	instructions, fail := requireString(args, "instructions", ActionGenerateCode)
	if fail != nil {
		return *fail
	}
	language := optionalString(args, "language", "")
	filename := optionalString(args, "filename", "")

	prompt := instructions
	if language != "" {
		prompt = fmt.Sprintf("Language: %s\n\n%s", language, instructions)
	}
	res, err := unifiedllm.Generate(ctx, unifiedllm.GenerateOptions{
		Client:   b.deps.Coder,
		Model:    b.deps.CoderModel,
		Provider: b.deps.CoderProvider,
		System:   coderSystemPrompt,
		Prompt:   prompt,
	})
	if err != nil {
		return Failuref("Code generation error: %v", err)
	}
	code := stripAnyFence(strings.TrimSpace(res.Text))

	if filename == "" {
		return Success(code)
	}
	if err := writeFileAll(b.resolve(filename), code+"\n"); err != nil {
		return Failuref("Write error: %v", err)
	}
	return Success(fmt.Sprintf("Successfully generated code and wrote it to %s:\n%s", filename, code))
}

// stripAnyFence removes one surrounding ``` fence with any language tag.
func stripAnyFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	body := strings.TrimSuffix(text, "```")
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return text
	}
	return strings.TrimSpace(body[nl+1:])
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func withDefault(prop map[string]any, def any) map[string]any {
	prop["default"] = def
	return prop
}
