package commands

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/printer"
)

var agentBio string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, key, err := e.coord.RegisterAgent(cmd.Context(), args[0], agentBio)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("registered agent %q\n", agent.Name)
		printer.Info("  api key: %s (shown once)\n", key)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agents, err := e.coord.ListAgents(cmd.Context())
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(agents))
		for _, a := range agents {
			rows = append(rows, []string{a.Name, strconv.Itoa(a.Karma), string(a.Status)})
		}
		printer.Table(os.Stdout, []string{"NAME", "KARMA", "STATUS"}, rows)
		return nil
	},
}

var agentInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show one agent's details and effective repository access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.coord.GetAgentByName(cmd.Context(), args[0])
		if err != nil {
			return printer.Fail(err)
		}
		res, err := e.coord.ResolveAccess(cmd.Context(), agent, e.repo)
		if err != nil {
			return printer.Fail(err)
		}

		printer.Info("name:    %s\n", agent.Name)
		printer.Info("karma:   %d\n", agent.Karma)
		printer.Info("status:  %s\n", agent.Status)
		printer.Info("access:  %s (via %s)\n", res.Level, res.Source)
		if agent.Bio != "" {
			printer.Info("bio:     %s\n", agent.Bio)
		}
		return nil
	},
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentBio, "bio", "", "agent bio")
	agentCmd.AddCommand(agentRegisterCmd, agentListCmd, agentInfoCmd)
	rootCmd.AddCommand(agentCmd)
}
