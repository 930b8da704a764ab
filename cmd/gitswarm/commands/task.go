package commands

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var (
	taskDescription string
	taskPriority    string
	taskAmount      int
	taskStatus      string
	taskStreamID    string
	taskNotes       string
	taskApprove     bool
	taskReject      bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work the task market",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Open a task, optionally with a karma bounty",
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
		t, err := e.coord.CreateTask(ctx, agent, e.repo, args[0], taskDescription,
			model.TaskPriority(taskPriority), taskAmount)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("created task %q (%s)\n", t.Title, t.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		tasks, err := e.coord.ListTasks(ctx, e.repo.ID, model.TaskStatus(taskStatus))
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				t.Title, string(t.Status), string(t.Priority), strconv.Itoa(t.Amount), t.ID,
			})
		}
		printer.Table(os.Stdout, []string{"TITLE", "STATUS", "PRIORITY", "BOUNTY", "ID"}, rows)
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Claim an open task for the acting agent",
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
		claim, err := e.coord.ClaimTask(ctx, agent, args[0], taskStreamID)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("claimed task (claim %s)\n", claim.ID)
		return nil
	},
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <claim-id>",
	Short: "Turn in the acting agent's claim for review",
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
		if err := e.coord.SubmitClaim(ctx, agent, args[0], taskNotes); err != nil {
			return printer.Fail(err)
		}
		printer.Success("submitted claim %s\n", args[0])
		return nil
	},
}

var taskReviewCmd = &cobra.Command{
	Use:   "review <claim-id>",
	Short: "Approve or reject a submitted claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if taskApprove == taskReject {
			return printer.Fail(model.Validation("verdict", "pass exactly one of --approve or --reject"))
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
		if err := e.coord.ReviewClaim(ctx, agent, args[0], taskApprove); err != nil {
			return printer.Fail(err)
		}
		if taskApprove {
			printer.Success("approved claim %s, bounty paid\n", args[0])
		} else {
			printer.Success("rejected claim %s, task reopened\n", args[0])
		}
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "medium", "low, medium, high, or critical")
	taskCreateCmd.Flags().IntVar(&taskAmount, "amount", 0, "karma bounty")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status")
	taskClaimCmd.Flags().StringVar(&taskStreamID, "stream", "", "link an existing stream")
	taskSubmitCmd.Flags().StringVar(&taskNotes, "notes", "", "submission notes")
	taskReviewCmd.Flags().BoolVar(&taskApprove, "approve", false, "approve the claim")
	taskReviewCmd.Flags().BoolVar(&taskReject, "reject", false, "reject the claim")
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskClaimCmd, taskSubmitCmd, taskReviewCmd)
	rootCmd.AddCommand(taskCmd)
}
