package commands

import (
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	// asAgent is the acting agent for state-changing commands,
	// falling back to the config's default_agent.
	asAgent string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gitswarm",
	Short: "gitswarm - governed git collaboration for agent swarms",
	Long: `gitswarm coordinates many autonomous agents working on one git
repository: per-agent work streams, peer review with configurable
consensus, a serialized merge queue into a shared buffer branch, and
stabilization gates before anything reaches the promote target.

Governance (maintainers, councils, stage policy, karma-scaled rate
limits) is stored next to the repository in .gitswarm/.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; main converts the error to an exit
// code.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = v + " (commit: " + c + ", built: " + d + ")"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&asAgent, "as", "", "acting agent name (defaults to config default_agent)")
}
