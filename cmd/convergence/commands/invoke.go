package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/pkg/chat"
)

var (
	invokeSession string
	invokeJSON    bool
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <process> <prompt...>",
	Short: "Run a process once and print its answer",
	Long: `Run a process once and stream its answer to stdout.

Examples:
  convergence invoke research "Compare Go and Rust error handling"
  convergence invoke research.team --session s-1 "Follow up on the last answer"
  convergence -f process.yaml invoke research --json "Summarize"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args[1:], " ")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			stream, err := a.engine.Invoke(ctx, args[0], prompt, agent.WithSessionID(invokeSession))
			if err != nil {
				return err
			}
			if invokeJSON {
				resp, err := stream.Collect()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			return printStream(cmd.OutOrStdout(), stream)
		})
	},
}

func init() {
	invokeCmd.Flags().StringVarP(&invokeSession, "session", "s", "", "Session ID shared by the process's agents")
	invokeCmd.Flags().BoolVar(&invokeJSON, "json", false, "Print the buffered response as JSON")
}

// printStream writes content as it arrives. A line break separates content
// from different roles or agents.
func printStream(w io.Writer, stream *chat.ResponseStream) error {
	var last *chat.StreamingContent
	for item, err := range stream.All() {
		if err != nil {
			if last != nil {
				fmt.Fprintln(w)
			}
			return err
		}
		if last != nil && (item.Role != last.Role || item.AgentName != last.AgentName) {
			fmt.Fprintln(w)
		}
		fmt.Fprint(w, item.Content)
		last = item
	}
	if last != nil {
		fmt.Fprintln(w)
	}
	return nil
}
