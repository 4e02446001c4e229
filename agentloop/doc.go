// Package agentloop implements a single-action agent loop: a language model
// picks one capability per reply, the loop runs it, feeds the observation
// back and stops on completion, a protocol violation or a cost ceiling.
//
// The loop talks to the model through the unifiedllm package's
// Client.Complete and drives every session on its own goroutine, reporting
// progress as an ordered stream of Events.
//
// # Architecture
//
//   - Registry: the static table of capabilities, their handlers and
//     optional result formatters.
//   - ShellRunner: runs one command through a throwaway script under a
//     timeout and kills the whole process group when it expires.
//   - Budget: token usage and estimated cost of one conversation.
//   - Conversation: the ordered role-tagged message history.
//   - Session: the state machine tying the above together.
//   - TranscriptSink: stores the finished conversation once per session.
//
// # Quick Start
//
//	reg, err := agentloop.NewDefaultRegistry(agentloop.Deps{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	agent, err := agentloop.NewAgent(agentloop.DefaultAgentConfig(), client, reg,
//	    agentloop.WithTranscriptSink(agentloop.NewFileTranscriptLogger("logs")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session := agent.NewSession("list files in /tmp")
//	for event := range session.Run(ctx) {
//	    fmt.Printf("[%s] %s\n", event.Kind, event.Text())
//	}
//	fmt.Println(session.Usage().Summary())
package agentloop
