package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var (
	reviewVerdict  string
	reviewFeedback string
	reviewTested   bool
	reviewHuman    bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review streams",
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit <stream>",
	Short: "Submit or replace the acting agent's verdict on a stream",
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
		_, res, err := e.coord.SubmitReview(ctx, agent, s.ID, coordinator.ReviewInput{
			Verdict:  model.Verdict(reviewVerdict),
			Feedback: reviewFeedback,
			Tested:   reviewTested,
			IsHuman:  reviewHuman,
		})
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("recorded %s on stream %q\n", reviewVerdict, s.Name)
		if res.Reached {
			printer.Step("consensus reached, the stream can merge\n")
		} else {
			printer.Info("  consensus: %s\n", res.Reason)
		}
		return nil
	},
}

var reviewListCmd = &cobra.Command{
	Use:   "list <stream>",
	Short: "List a stream's reviews",
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
		reviews, err := e.coord.Reviews(ctx, s.ID)
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(reviews))
		for _, r := range reviews {
			reviewer := r.ReviewerID
			if a, err := e.coord.GetAgent(ctx, r.ReviewerID); err == nil {
				reviewer = a.Name
			}
			tested := ""
			if r.Tested {
				tested = "yes"
			}
			rows = append(rows, []string{reviewer, string(r.Verdict), tested, r.Feedback})
		}
		printer.Table(os.Stdout, []string{"REVIEWER", "VERDICT", "TESTED", "FEEDBACK"}, rows)
		return nil
	},
}

var reviewCheckCmd = &cobra.Command{
	Use:   "check <stream>",
	Short: "Evaluate a stream's consensus state",
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
		res, err := e.coord.CheckConsensus(ctx, s.ID)
		if err != nil {
			return printer.Fail(err)
		}
		if res.Reached {
			printer.Success("consensus reached on %q\n", s.Name)
		} else {
			printer.Info("consensus not reached on %q: %s\n", s.Name, res.Reason)
		}
		return nil
	},
}

func init() {
	reviewSubmitCmd.Flags().StringVar(&reviewVerdict, "verdict", "approve", "approve, request_changes, or comment")
	reviewSubmitCmd.Flags().StringVar(&reviewFeedback, "feedback", "", "review feedback")
	reviewSubmitCmd.Flags().BoolVar(&reviewTested, "tested", false, "reviewer ran the change")
	reviewSubmitCmd.Flags().BoolVar(&reviewHuman, "human", false, "review comes from a human")
	reviewCmd.AddCommand(reviewSubmitCmd, reviewListCmd, reviewCheckCmd)
	rootCmd.AddCommand(reviewCmd)
}
