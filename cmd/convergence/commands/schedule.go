package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
)

var (
	scheduleSpec    string
	scheduleSession string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <process> <prompt...>",
	Short: "Run a process on a cron schedule",
	Long: `Run a process every time the cron expression fires until interrupted.
Each run is recorded and can be listed with 'convergence runs'. A run that is
still going when the next one is due causes that one to be skipped.

Examples:
  convergence schedule --cron "0 7 * * *" digest "Summarize yesterday's news"
  convergence schedule --cron "@every 30m" monitor "Check the status page"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, prompt := args[0], strings.Join(args[1:], " ")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			// Fail fast on a bad reference instead of at the first tick.
			if _, err := a.engine.Process(ctx, ref); err != nil {
				return err
			}

			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			id, err := c.AddFunc(scheduleSpec, func() {
				runScheduled(ctx, a, ref, prompt)
			})
			if err != nil {
				return fmt.Errorf("invalid cron expression %q: %w", scheduleSpec, err)
			}

			c.Start()
			a.logger.Info("schedule started",
				zap.String("process", ref),
				zap.String("cron", scheduleSpec),
				zap.Time("next", c.Entry(id).Next))

			<-ctx.Done()
			<-c.Stop().Done()
			a.logger.Info("schedule stopped", zap.String("process", ref))
			return nil
		})
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleSpec, "cron", "", "Cron expression (5 fields or @every/@hourly descriptors)")
	scheduleCmd.Flags().StringVarP(&scheduleSession, "session", "s", "", "Session ID shared by every run")
	_ = scheduleCmd.MarkFlagRequired("cron")
}

func runScheduled(ctx context.Context, a *app, ref, prompt string) {
	stream, err := a.engine.Invoke(ctx, ref, prompt, agent.WithSessionID(scheduleSession))
	if err != nil {
		a.logger.Error("scheduled run failed", zap.String("process", ref), zap.Error(err))
		return
	}
	resp, err := stream.Collect()
	if err != nil {
		a.logger.Error("scheduled run failed", zap.String("process", ref), zap.String("run", stream.ID), zap.Error(err))
		return
	}
	a.logger.Info("scheduled run finished",
		zap.String("process", ref),
		zap.String("run", stream.ID),
		zap.Int("messages", len(resp.Messages)))
	fmt.Println(resp.Text())
}
