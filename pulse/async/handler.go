package async

import (
	"sort"
	"sync"

	"github.com/teranos/warden/pulse/schedule"
)

// RunnerRegistry maps runner keys to runners.
// Registrations live in memory only and must be redone on every start.
type RunnerRegistry struct {
	runners map[schedule.JobRunnerKey]JobRunner
	mu      sync.RWMutex
}

// NewRunnerRegistry creates an empty registry.
func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{runners: make(map[schedule.JobRunnerKey]JobRunner)}
}

// Register binds runner to key, replacing any previous registration.
// Returns true when one was replaced.
func (r *RunnerRegistry) Register(key schedule.JobRunnerKey, runner JobRunner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.runners[key]
	r.runners[key] = runner
	return replaced
}

// Unregister removes key. Returns false when nothing was registered.
func (r *RunnerRegistry) Unregister(key schedule.JobRunnerKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runners[key]
	delete(r.runners, key)
	return ok
}

// Get retrieves the runner for key.
func (r *RunnerRegistry) Get(key schedule.JobRunnerKey) (JobRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[key]
	return runner, ok
}

// Has checks if a runner is registered for key.
func (r *RunnerRegistry) Has(key schedule.JobRunnerKey) bool {
	_, ok := r.Get(key)
	return ok
}

// Keys returns the registered keys, sorted.
func (r *RunnerRegistry) Keys() []schedule.JobRunnerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]schedule.JobRunnerKey, 0, len(r.runners))
	for k := range r.runners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
