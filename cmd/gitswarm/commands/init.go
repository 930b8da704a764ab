package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/store"
)

var (
	initRepoName   string
	initAgentName  string
	initBuffer     string
	initTarget     string
	initStabilize  string
	initServerURL  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a gitswarm project in the current git repository",
	Long: `Initialize a gitswarm project: creates .gitswarm/ with config.json and
the coordination database, registers the repository and its first
agent (the owner), and creates the buffer branch.

The printed API key authenticates the owner against a server
deployment; store it, it is shown exactly once.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initRepoName, "repo", "", "repository name (default: directory name)")
	initCmd.Flags().StringVar(&initAgentName, "agent", "owner", "name of the first agent")
	initCmd.Flags().StringVar(&initBuffer, "buffer", "", "buffer branch name (default swarm-buffer)")
	initCmd.Flags().StringVar(&initTarget, "target", "", "promote target branch (default main)")
	initCmd.Flags().StringVar(&initStabilize, "stabilize-command", "", "command run to stabilize the buffer")
	initCmd.Flags().StringVar(&initServerURL, "server", "", "server URL to sync against")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := os.Getwd()
	if err != nil {
		return err
	}
	if _, err := os.Stat(config.ConfigPath(root)); err == nil {
		return printer.Fail(fmt.Errorf("already a gitswarm project: %s exists", config.ConfigPath(root)))
	}

	repoName := initRepoName
	if repoName == "" {
		repoName = filepath.Base(root)
	}

	if err := os.MkdirAll(filepath.Join(root, config.Dir), 0o755); err != nil {
		return printer.Fail(err)
	}
	st, err := store.OpenSQLite(ctx, config.StatePath(root))
	if err != nil {
		return printer.Fail(err)
	}
	defer st.Close()

	backend := gitops.NewCLIBackend(root)
	coord := coordinator.New(st, coordinator.Options{
		Secret:       "gitswarm-local",
		Backends:     sameBackend{backend: backend},
		WorktreeRoot: config.WorktreeRoot(root),
	})

	agent, key, err := coord.RegisterAgent(ctx, initAgentName, "")
	if err != nil {
		return printer.Fail(err)
	}
	repo, err := coord.CreateRepository(ctx, agent, repoName, stage.CreateOptions{
		BufferBranch:     initBuffer,
		PromoteTarget:    initTarget,
		StabilizeCommand: initStabilize,
	})
	if err != nil {
		return printer.Fail(err)
	}

	if err := backend.CreateBranch(ctx, repo.BufferBranch, repo.PromoteTarget); err != nil {
		printer.Warning("could not create buffer branch %s: %v\n", repo.BufferBranch, err)
	}

	cfg := &config.Local{
		Version:      1,
		RepoName:     repo.Name,
		DefaultAgent: agent.Name,
		ServerURL:    initServerURL,
	}
	if err := config.SaveLocal(root, cfg); err != nil {
		return printer.Fail(err)
	}

	printer.Success("initialized gitswarm project %q (stage: %s)\n", repo.Name, repo.Stage)
	printer.Info("  owner agent: %s\n", agent.Name)
	printer.Info("  api key:     %s\n", key)
	printer.Info("  buffer:      %s → %s\n", repo.BufferBranch, repo.PromoteTarget)
	return nil
}
