package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// env is the wired-up runtime every command operates through: the
// project config, coordination store, and a coordinator bound to the
// working copy's git backend.
type env struct {
	root  string
	cfg   *config.Local
	store store.Store
	coord *coordinator.Coordinator
	repo  *model.Repository
}

// sameBackend serves the working copy's git backend for every
// repository id; a local deployment holds exactly one repository.
type sameBackend struct {
	backend gitops.Backend
}

func (s sameBackend) For(string) (gitops.Backend, error) { return s.backend, nil }

// openEnv loads the project at the working directory.
func openEnv(ctx context.Context) (*env, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadLocal(root)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(ctx, config.StatePath(root))
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(st, coordinator.Options{
		Secret:       "gitswarm-local",
		Backends:     sameBackend{backend: gitops.NewCLIBackend(root)},
		WorktreeRoot: config.WorktreeRoot(root),
		EnableSync:   cfg.ServerURL != "",
	})

	repo, err := coord.GetRepositoryByName(ctx, cfg.RepoName)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("repository %q from config: %w", cfg.RepoName, err)
	}
	return &env{root: root, cfg: cfg, store: st, coord: coord, repo: repo}, nil
}

func (e *env) close() {
	e.store.Close()
}

// actor resolves the acting agent from --as or the config default.
func (e *env) actor(ctx context.Context) (*model.Agent, error) {
	name := asAgent
	if name == "" {
		name = e.cfg.DefaultAgent
	}
	if name == "" {
		return nil, model.Validation("agent", "no acting agent: pass --as or set default_agent in config")
	}
	return e.coord.GetAgentByName(ctx, name)
}

// resolveStream accepts a stream id or a stream name within the
// project repository.
func (e *env) resolveStream(ctx context.Context, key string) (*model.Stream, error) {
	if s, err := e.coord.GetStream(ctx, key); err == nil {
		return s, nil
	}
	streams, err := e.coord.ListStreams(ctx, e.repo.ID, "")
	if err != nil {
		return nil, err
	}
	var match *model.Stream
	for _, s := range streams {
		if s.Name == key {
			if match != nil {
				return nil, model.Conflict("stream name %q is ambiguous, use the id", key)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("stream %q: %w", key, model.ErrNotFound)
	}
	return match, nil
}
