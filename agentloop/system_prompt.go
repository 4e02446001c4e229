package agentloop

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ToolListPlaceholder is replaced by Registry.Describe in prompt templates.
const ToolListPlaceholder = "[[TOOL_LIST]]"

// DefaultSystemPrompt is the prompt template used when none is configured.
const DefaultSystemPrompt = `You are an autonomous assistant that completes tasks on the user's machine by choosing one action at a time.

After each action you receive its result as the next user message. Look at the result, then decide the next action. Keep going until the task is done, then select task_complete with a short summary of what you did.

Reply with exactly one JSON object and nothing else:

{"tool_to_use": {"name": "<action name>", "parameters": {<parameters>}}}

Available actions:

[[TOOL_LIST]]
### task_complete
Finish the task.
Parameters:
- ` + "`summary`" + ` (string, optional): what was done and the final answer for the user

Rules:
- Exactly one action per reply. Never wrap the JSON in prose.
- Prefer small, verifiable steps and inspect results before moving on.
- If an action fails, read the error and try a different approach.
`

// EnvironmentInfo describes where the agent runs. It is rendered into the
// system prompt so the model picks commands that fit the platform.
type EnvironmentInfo struct {
	WorkingDir string
	Platform   string
	Shell      string
	Model      string
	Date       time.Time
}

// DetectEnvironment fills EnvironmentInfo for the current process.
func DetectEnvironment(workDir, shell, model string) EnvironmentInfo {
	return EnvironmentInfo{
		WorkingDir: workDir,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Shell:      shell,
		Model:      model,
		Date:       time.Now(),
	}
}

// BuildSystemPrompt substitutes the capability list into template and
// appends the environment block. An empty template means
// DefaultSystemPrompt.
func BuildSystemPrompt(template string, registry *Registry, env EnvironmentInfo) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultSystemPrompt
	}
	prompt := strings.ReplaceAll(template, ToolListPlaceholder, registry.Describe())
	if ctx := BuildEnvironmentContext(env); ctx != "" {
		prompt = strings.TrimRight(prompt, "\n") + "\n\n" + ctx
	}
	return prompt
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env EnvironmentInfo) string {
	if env == (EnvironmentInfo{}) {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	if env.WorkingDir != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingDir)
		isGitRepo := isGitRepository(env.WorkingDir)
		fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
		if isGitRepo {
			if branch := getGitBranch(env.WorkingDir); branch != "" {
				fmt.Fprintf(&sb, "Git branch: %s\n", branch)
			}
		}
	}
	if env.Platform != "" {
		fmt.Fprintf(&sb, "Platform: %s\n", env.Platform)
	}
	if env.Shell != "" {
		fmt.Fprintf(&sb, "Shell: %s\n", env.Shell)
	}
	if !env.Date.IsZero() {
		fmt.Fprintf(&sb, "Today's date: %s\n", env.Date.Format("2006-01-02"))
	}
	if env.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", env.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

func isGitRepository(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func getGitBranch(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
