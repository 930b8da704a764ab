package commands

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <stream>",
	Short: "Queue a stream for merge and drain the queue",
	Long: `Merge admits the stream to the repository's merge queue after the
consensus and ordering checks, then processes the queue until empty.
Consensus is re-checked when the entry is popped, so a verdict change
between queueing and processing still blocks the merge.`,
	Args: cobra.ExactArgs(1),
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
		if _, err := e.coord.RequestMerge(ctx, agent, s.ID); err != nil {
			return printer.Fail(err)
		}
		if err := e.coord.DrainMergeQueue(ctx, e.repo.ID); err != nil {
			return printer.Fail(err)
		}

		merged, err := e.coord.GetStream(ctx, s.ID)
		if err != nil {
			return printer.Fail(err)
		}
		if merged.Status == model.StreamStatusMerged {
			printer.Success("merged %q into %s\n", s.Name, e.repo.BufferBranch)
		} else {
			printer.Warning("stream %q is %s after queue processing (see activity log)\n",
				s.Name, merged.Status)
		}
		return nil
	},
}

var stabilizeCmd = &cobra.Command{
	Use:   "stabilize",
	Short: "Run the stabilize command against the buffer tip",
	Args:  cobra.NoArgs,
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
		run, err := e.coord.Stabilize(ctx, agent, e.repo)
		if err != nil {
			return printer.Fail(err)
		}
		if run.Success {
			printer.Success("buffer is green at %s (tag %s)\n", shortHash(run.CommitHash), run.Tag)
		} else {
			printer.Warning("stabilization failed (exit %d) at %s\n", run.ExitCode, shortHash(run.CommitHash))
			printer.Printf("%s\n", run.Output)
		}
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Fast-forward the promote target onto the buffer",
	Args:  cobra.NoArgs,
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
		if err := e.coord.Promote(ctx, agent, e.repo); err != nil {
			return printer.Fail(err)
		}
		printer.Success("promoted %s to %s\n", e.repo.BufferBranch, e.repo.PromoteTarget)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd, stabilizeCmd, promoteCmd)
}
