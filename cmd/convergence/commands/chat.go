package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/pkg/chat"
)

var (
	chatSession string
	chatAgent   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <process|agent>",
	Short: "Talk to a process or agent interactively",
	Long: `Start an interactive session. Every line is sent as a prompt under one
session ID, so hosted agents keep the conversation history.

Type /exit or press Ctrl-D to leave.

Examples:
  convergence chat research
  convergence chat --agent writer --session notes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			send, err := chatTarget(ctx, a, args[0])
			if err != nil {
				return err
			}

			session := chatSession
			if session == "" {
				session = uuid.New().String()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s\n", session)

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			for {
				input, err := line.Prompt("> ")
				if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
					return nil
				}
				if err != nil {
					return err
				}
				input = strings.TrimSpace(input)
				switch input {
				case "":
					continue
				case "/exit", "/quit":
					return nil
				}
				line.AppendHistory(input)

				stream, err := send(ctx, input, agent.WithSessionID(session))
				if err == nil {
					err = printStream(out, stream)
				}
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				}
			}
		})
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID (default: a new one)")
	chatCmd.Flags().BoolVar(&chatAgent, "agent", false, "Talk to a single stored agent instead of a process")
}

type sender func(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.ResponseStream, error)

func chatTarget(ctx context.Context, a *app, ref string) (sender, error) {
	if chatAgent {
		ag, err := a.engine.Agent(ctx, ref)
		if err != nil {
			return nil, err
		}
		return ag.InvokeStreaming, nil
	}
	// Resolve once up front so a bad reference fails before the prompt.
	if _, err := a.engine.Process(ctx, ref); err != nil {
		return nil, err
	}
	return func(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
		return a.engine.Invoke(ctx, ref, prompt, opts...)
	}, nil
}
