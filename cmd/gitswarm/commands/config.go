package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var configPull bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Read or update the local configuration",
	Long: `Without arguments, prints the whole config. With a key, prints that
value. With a key and value, updates and saves the config.

--pull refreshes the repository's governance settings (ownership
model, consensus threshold, merge mode, ...) from the configured
server.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configPull, "pull", false, "refresh governance settings from the server")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return printer.Fail(err)
	}
	defer e.close()

	if configPull {
		if err := pullSettings(cmd, e); err != nil {
			return printer.Fail(err)
		}
	}

	switch len(args) {
	case 0:
		data, err := json.MarshalIndent(e.cfg, "", "  ")
		if err != nil {
			return printer.Fail(err)
		}
		printer.Println(string(data))
	case 1:
		val, err := configValue(e.cfg, args[0])
		if err != nil {
			return printer.Fail(err)
		}
		printer.Println(val)
	case 2:
		if err := setConfigValue(e.cfg, args[0], args[1]); err != nil {
			return printer.Fail(err)
		}
		if err := config.SaveLocal(e.root, e.cfg); err != nil {
			return printer.Fail(err)
		}
		printer.Success("set %s\n", args[0])
	}
	return nil
}

func configValue(c *config.Local, key string) (string, error) {
	switch key {
	case "repo_name":
		return c.RepoName, nil
	case "default_agent":
		return c.DefaultAgent, nil
	case "server_url":
		return c.ServerURL, nil
	case "api_key":
		return c.APIKey, nil
	case "sync_interval_seconds":
		return strconv.Itoa(c.SyncIntervalSeconds), nil
	default:
		return "", model.Validation("key", fmt.Sprintf("unknown config key %q", key))
	}
}

func setConfigValue(c *config.Local, key, value string) error {
	switch key {
	case "default_agent":
		c.DefaultAgent = value
	case "server_url":
		c.ServerURL = value
	case "api_key":
		c.APIKey = value
	case "sync_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return model.Validation(key, "must be an integer")
		}
		c.SyncIntervalSeconds = n
	case "repo_name":
		return model.Validation("key", "repo_name cannot be changed after init")
	default:
		return model.Validation("key", fmt.Sprintf("unknown config key %q", key))
	}
	return nil
}

// pullSettings fetches the server's view of the repository and applies
// its governance settings locally.
func pullSettings(cmd *cobra.Command, e *env) error {
	ctx := cmd.Context()
	if e.cfg.ServerURL == "" {
		return model.Validation("server_url", "no server configured")
	}

	url := e.cfg.ServerURL + "/api/v1/repos/" + e.cfg.RepoName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: server returned %d", model.ErrUnavailable, resp.StatusCode)
	}

	var remote model.Repository
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return fmt.Errorf("failed to decode repository: %w", err)
	}

	agent, err := e.actor(ctx)
	if err != nil {
		return err
	}
	set := stage.Settings{
		OwnershipModel:     &remote.OwnershipModel,
		MergeMode:          &remote.MergeMode,
		AgentAccess:        &remote.AgentAccess,
		MinKarma:           &remote.MinKarma,
		ConsensusThreshold: &remote.ConsensusThreshold,
		MinReviews:         &remote.MinReviews,
		HumanReviewWeight:  &remote.HumanReviewWeight,
		ConsensusAuthority: &remote.ConsensusAuthority,
	}
	if err := e.coord.UpdateSettings(ctx, agent, e.repo, set); err != nil {
		return err
	}
	printer.Success("pulled governance settings from %s\n", e.cfg.ServerURL)
	return nil
}
