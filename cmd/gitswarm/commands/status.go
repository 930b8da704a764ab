package commands

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
)

var logLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the repository overview",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		printer.Info("repository: %s\n", e.repo.Name)
		printer.Info("stage:      %s (ownership %s, merge mode %s)\n",
			e.repo.Stage, e.repo.OwnershipModel, e.repo.MergeMode)
		printer.Info("buffer:     %s → %s\n", e.repo.BufferBranch, e.repo.PromoteTarget)
		printer.Info("metrics:    %d contributors, %d patches\n",
			e.repo.ContributorCount, e.repo.PatchCount)

		streams, err := e.coord.ListStreams(ctx, e.repo.ID, "")
		if err != nil {
			return printer.Fail(err)
		}
		byStatus := map[string]int{}
		for _, s := range streams {
			byStatus[string(s.Status)]++
		}
		printer.Info("streams:   ")
		for status, n := range byStatus {
			printer.Info(" %s=%d", status, n)
		}
		printer.Info("\n")

		entries, err := e.coord.MergeQueue(ctx, e.repo.ID)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Info("queue:      %d pending\n", len(entries))

		if last, err := e.coord.LastStabilization(ctx, e.repo.ID); err == nil && last != nil {
			state := "red"
			if last.Success {
				state = "green"
			}
			printer.Info("stabilize:  %s at %s (%s)\n",
				state, shortHash(last.CommitHash), last.RanAt.Format(time.RFC3339))
		}

		elig, err := e.coord.CheckAdvancement(ctx, e.repo)
		if err == nil {
			if elig.Eligible {
				printer.Step("eligible for advancement to %s\n", elig.NextStage)
			} else if elig.NextStage != "" {
				printer.Info("next stage: %s, unmet: %v\n", elig.NextStage, elig.Unmet)
			}
		}
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent activity events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		events, err := e.coord.RecentActivity(ctx, logLimit)
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			who := ev.AgentID
			if who == "" {
				who = "system"
			} else if a, err := e.coord.GetAgent(ctx, ev.AgentID); err == nil {
				who = a.Name
			}
			rows = append(rows, []string{
				ev.CreatedAt.Format("01-02 15:04:05"), who, ev.EventType,
				ev.TargetType + " " + shortHash(ev.TargetID),
			})
		}
		printer.Table(os.Stdout, []string{"TIME", "AGENT", "EVENT", "TARGET"}, rows)
		printer.Info("%s events\n", strconv.Itoa(len(events)))
		return nil
	},
}

func init() {
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "number of events")
	rootCmd.AddCommand(statusCmd, logCmd)
}
