package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/internal/stream"
)

var (
	wsTaskID   string
	wsParent   string
	wsAbandon  bool
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage per-agent worktrees",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <stream-name>",
	Short: "Create a stream and its worktree for the acting agent",
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
		ws, s, err := e.coord.CreateWorkspace(ctx, agent, e.repo, args[0], stream.StreamOptions{
			TaskID:         wsTaskID,
			ParentStreamID: wsParent,
		})
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("created stream %q on %s\n", s.Name, s.BranchRef)
		printer.Info("  worktree: %s\n", ws.Path)
		return nil
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worktrees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		workspaces, err := e.coord.ListWorkspaces(ctx, e.repo.ID)
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(workspaces))
		for _, ws := range workspaces {
			agentName := ws.AgentID
			if a, err := e.coord.GetAgent(ctx, ws.AgentID); err == nil {
				agentName = a.Name
			}
			rows = append(rows, []string{agentName, ws.StreamID, ws.Path})
		}
		printer.Table(os.Stdout, []string{"AGENT", "STREAM", "PATH"}, rows)
		return nil
	},
}

var workspaceDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Remove the acting agent's worktree",
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
		if err := e.coord.DestroyWorkspace(ctx, agent, e.repo, wsAbandon); err != nil {
			return printer.Fail(err)
		}
		printer.Success("destroyed workspace for %s\n", agent.Name)
		return nil
	},
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&wsTaskID, "task", "", "link the stream to a task")
	workspaceCreateCmd.Flags().StringVar(&wsParent, "parent", "", "parent stream id (stacked stream)")
	workspaceDestroyCmd.Flags().BoolVar(&wsAbandon, "abandon", false, "also abandon the bound stream")
	workspaceCmd.AddCommand(workspaceCreateCmd, workspaceListCmd, workspaceDestroyCmd)
	rootCmd.AddCommand(workspaceCmd)
}
