// Command shellpilot completes a task by letting a language model choose
// shell, file and web actions one step at a time.
//
// Usage:
//
//	shellpilot run "<task>"     run one task in the terminal
//	shellpilot serve            serve tasks over WebSocket
//	shellpilot tools            list the available actions
//	shellpilot usage            summarize the usage ledger
//	shellpilot version          print version information
//
// Configuration is read from --config, ./shellpilot.yaml or
// ~/.config/shellpilot/config.yaml. OPENAI_BASE_URL, OPENAI_API_KEY,
// AGENT_MODEL, CODER_MODEL and SHELLPILOT_LOG_LEVEL override the file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/martinemde/shellpilot/agentloop"
	"github.com/spf13/cobra"
)

// exitCodeError ends the process with code without printing an error.
type exitCodeError struct {
	code    int
	outcome agentloop.Outcome
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("task ended with outcome %s", e.outcome)
}

func exitCodeFor(outcome agentloop.Outcome) int {
	switch outcome {
	case agentloop.OutcomeCompleted:
		return 0
	case agentloop.OutcomeAbortedDueCost:
		return 2
	default:
		return 1
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	model      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "shellpilot",
		Short: "Let a language model complete tasks on this machine",
		Long: `shellpilot gives a language model a small set of actions (run a shell
command, read or write a file, fetch a web page, generate code) and lets it
work on a task one action at a time until it declares the task complete.

Every conversation is bounded by a cost ceiling and saved as a JSON
transcript.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: ./shellpilot.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVarP(&opts.model, "model", "m", "", "Model to drive the agent with")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newToolsCmd(opts),
		newUsageCmd(opts),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
