// Package registry holds the in-memory catalog of job definitions for a
// running process.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/urbanline/tspjob/internal/domain"
)

// Registry maps stable job names to their definitions. Read-mostly: readers
// take a shared lock and see a consistent snapshot; Reload swaps the whole
// catalog under the write lock only for the swap.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*domain.JobDefinition
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*domain.JobDefinition)}
}

// Register validates and adds a definition. Duplicate names are rejected with
// domain.ErrDuplicateName, ill-formed definitions with the joined validation
// errors.
func (r *Registry) Register(def *domain.JobDefinition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidDefinition, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[def.Name]; exists {
		return fmt.Errorf("job %q: %w", def.Name, domain.ErrDuplicateName)
	}
	r.jobs[def.Name] = def
	return nil
}

// RegisterAll registers every definition, collecting validation failures into
// one consolidated error so startup reports every offending job at once.
func (r *Registry) RegisterAll(defs []*domain.JobDefinition) error {
	var errs []error
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the definition for name or domain.ErrUnknownJob.
func (r *Registry) Lookup(name string) (*domain.JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", name, domain.ErrUnknownJob)
	}
	return def, nil
}

// List returns a snapshot of all definitions ordered by name.
func (r *Registry) List() []*domain.JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.JobDefinition, 0, len(r.jobs))
	for _, def := range r.jobs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Reload atomically replaces the catalog. Runs already dispatched continue
// under the definition snapshot they were leased with; only future dispatches
// see the new catalog. The previous catalog is kept if any definition fails
// validation.
func (r *Registry) Reload(defs []*domain.JobDefinition) error {
	next := make(map[string]*domain.JobDefinition, len(defs))
	var errs []error
	for _, def := range defs {
		def.Normalize()
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", domain.ErrInvalidDefinition, err))
		}
		if _, exists := next[def.Name]; exists {
			errs = append(errs, fmt.Errorf("job %q: %w", def.Name, domain.ErrDuplicateName))
			continue
		}
		next[def.Name] = def
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	r.jobs = next
	r.mu.Unlock()
	return nil
}
