package commands

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var commitMessage string

var commitCmd = &cobra.Command{
	Use:   "commit -m <message> --as <agent>",
	Short: "Commit the acting agent's workspace onto its stream",
	Long: `Commit stages and commits everything in the acting agent's worktree
onto the stream's branch. In swarm merge mode the stream is queued for
the buffer immediately; in review mode it waits for consensus.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if commitMessage == "" {
			return printer.Fail(model.Validation("message", "commit message is required (-m)"))
		}
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.actor(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		res, s, err := e.coord.Commit(ctx, agent, e.repo, commitMessage)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("committed %s on stream %q\n", shortHash(res.CommitHash), s.Name)
		if res.ChangeID != "" {
			printer.Info("  change-id: %s\n", res.ChangeID)
		}
		if e.repo.MergeMode == model.MergeModeSwarm {
			printer.Step("queued for buffer merge (swarm mode)\n")
		}
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	rootCmd.AddCommand(commitCmd)
}
