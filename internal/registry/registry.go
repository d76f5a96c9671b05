// Package registry tracks live workers, their capability tags, and their
// per-worker concurrency capacity.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/domain"
)

// Registry is safe for concurrent use. Load accounting is driven by the
// engine as claims are granted and released.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*domain.Worker
}

func New() *Registry {
	return &Registry{workers: make(map[string]*domain.Worker)}
}

// Register adds a worker and returns its ID, generating one if absent.
// Re-registering an existing ID updates tags and capacity but keeps load.
func (r *Registry) Register(w domain.Worker) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.ID == "" {
		w.ID = "wrk_" + uuid.NewString()
	}
	if w.MaxConcurrentTasks <= 0 {
		w.MaxConcurrentTasks = 1
	}
	if existing, ok := r.workers[w.ID]; ok {
		existing.CapabilityTags = w.CapabilityTags
		existing.MaxConcurrentTasks = w.MaxConcurrentTasks
		return w.ID
	}
	w.CurrentLoad = 0
	w.RegisteredAt = time.Now().UTC()
	r.workers[w.ID] = &w
	return w.ID
}

// Deregister removes the worker and reports whether it existed. Releasing
// the worker's claims is the engine's job; the registry only forgets it.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	delete(r.workers, id)
	return ok
}

// Get returns a copy of the worker.
func (r *Registry) Get(id string) (domain.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, false
	}
	return *w, true
}

// List returns copies of all workers ordered by ID.
func (r *Registry) List() []domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns workers eligible for the task, most spare capacity first,
// ties broken by ID for determinism. A worker at MaxConcurrentTasks is
// excluded regardless of capability fit.
func (r *Registry) Match(t domain.Task) []domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []domain.Worker
	for _, w := range r.workers {
		if w.CurrentLoad >= w.MaxConcurrentTasks {
			continue
		}
		if !covers(w.CapabilityTags, t.RequiredResources) {
			continue
		}
		eligible = append(eligible, *w)
	}
	sort.Slice(eligible, func(i, j int) bool {
		si := eligible[i].MaxConcurrentTasks - eligible[i].CurrentLoad
		sj := eligible[j].MaxConcurrentTasks - eligible[j].CurrentLoad
		if si != sj {
			return si > sj
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}

// AddLoad adjusts the worker's in-flight task count by delta, clamped at 0.
func (r *Registry) AddLoad(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.CurrentLoad += delta
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}
}

// HasCapacity reports whether the worker exists and is below capacity.
func (r *Registry) HasCapacity(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return false, &domain.WorkerNotFoundError{WorkerID: id}
	}
	if w.CurrentLoad >= w.MaxConcurrentTasks {
		return false, &domain.WorkerSaturatedError{WorkerID: id, Max: w.MaxConcurrentTasks}
	}
	return true, nil
}

// covers reports whether the worker's tags satisfy the task's resource
// demands. A worker with the wildcard tag "*" matches anything; otherwise
// each resource key must share a prefix with at least one tag. Resource keys
// are paths, so a tag like "docs/" covers "docs/api/readme.md".
func covers(tags, resources []string) bool {
	if len(tags) == 0 {
		return false
	}
	for _, tag := range tags {
		if tag == "*" {
			return true
		}
	}
	for _, res := range resources {
		matched := false
		for _, tag := range tags {
			if strings.HasPrefix(res, tag) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
