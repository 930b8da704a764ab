package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gitswarm/gitswarm/pkg/model"
)

// DirBackends resolves repositories hosted under a single root
// directory, one git repository per directory named by repository id.
// Backends are cached so each repository keeps a single serialising
// mutex for the process lifetime.
type DirBackends struct {
	Root string

	mu    sync.Mutex
	cache map[string]*CLIBackend
}

func (d *DirBackends) For(repoID string) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.cache[repoID]; ok {
		return b, nil
	}

	path := filepath.Join(d.Root, repoID)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, &model.GitBackendError{Op: "resolve",
			Message: fmt.Sprintf("no repository directory at %s", path)}
	}
	if d.cache == nil {
		d.cache = make(map[string]*CLIBackend)
	}
	b := NewCLIBackend(path)
	d.cache[repoID] = b
	return b, nil
}
