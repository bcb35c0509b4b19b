package orchestrator

import (
	"fmt"
	"sync"

	"github.com/fixloop/fixloop/internal/types"
)

// Registry enforces one active session per repository. Keys are normalized
// repository paths, so /repo and a symlink to it claim the same slot.
type Registry struct {
	mu     sync.Mutex
	active map[string]string // repo path -> session ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Acquire claims the repo for a session. Returns ErrSessionActive when
// another session holds it.
func (r *Registry) Acquire(repoPath, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.active[repoPath]; ok {
		return fmt.Errorf("%w: session %s is active for %s", types.ErrSessionActive, holder, repoPath)
	}
	r.active[repoPath] = sessionID
	return nil
}

// Release frees the repo's slot. Releasing an unclaimed repo is a no-op.
func (r *Registry) Release(repoPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, repoPath)
}

// Holder returns the session holding the repo, if any.
func (r *Registry) Holder(repoPath string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[repoPath]
	return id, ok
}
