package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var streamStatusFilter string

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Inspect work streams",
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List streams",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		streams, err := e.coord.ListStreams(ctx, e.repo.ID, model.StreamStatus(streamStatusFilter))
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(streams))
		for _, s := range streams {
			agentName := s.AgentID
			if a, err := e.coord.GetAgent(ctx, s.AgentID); err == nil {
				agentName = a.Name
			}
			rows = append(rows, []string{
				s.Name, agentName, string(s.Status), string(s.ReviewStatus), s.ID,
			})
		}
		printer.Table(os.Stdout, []string{"NAME", "AGENT", "STATUS", "REVIEW", "ID"}, rows)
		return nil
	},
}

var streamInfoCmd = &cobra.Command{
	Use:   "info <stream>",
	Short: "Show one stream's details and reviews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		s, err := e.resolveStream(ctx, args[0])
		if err != nil {
			return printer.Fail(err)
		}
		printer.Info("stream:   %s (%s)\n", s.Name, s.ID)
		printer.Info("branch:   %s (base %s)\n", s.BranchRef, s.BaseBranch)
		printer.Info("status:   %s / %s\n", s.Status, s.ReviewStatus)
		if s.ParentStreamID != "" {
			printer.Info("parent:   %s\n", s.ParentStreamID)
		}
		if s.TaskID != "" {
			printer.Info("task:     %s\n", s.TaskID)
		}

		reviews, err := e.coord.Reviews(ctx, s.ID)
		if err != nil {
			return printer.Fail(err)
		}
		if len(reviews) > 0 {
			printer.Info("\n")
			rows := make([][]string, 0, len(reviews))
			for _, r := range reviews {
				reviewer := r.ReviewerID
				if a, err := e.coord.GetAgent(ctx, r.ReviewerID); err == nil {
					reviewer = a.Name
				}
				rows = append(rows, []string{reviewer, string(r.Verdict), r.Feedback})
			}
			printer.Table(os.Stdout, []string{"REVIEWER", "VERDICT", "FEEDBACK"}, rows)
		}
		return nil
	},
}

var streamDiffCmd = &cobra.Command{
	Use:   "diff <stream>",
	Short: "Show a stream's diff against its base branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.actor(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		s, err := e.resolveStream(ctx, args[0])
		if err != nil {
			return printer.Fail(err)
		}
		diff, err := e.coord.Diff(ctx, agent, s)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Printf("%s", diff)
		return nil
	},
}

func init() {
	streamListCmd.Flags().StringVar(&streamStatusFilter, "status", "", "filter by status")
	streamCmd.AddCommand(streamListCmd, streamInfoCmd, streamDiffCmd)
	rootCmd.AddCommand(streamCmd)
}
