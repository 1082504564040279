package pipeline

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Registry holds the tasks this process can run, keyed by processor name.
type Registry struct {
	tasks map[string]Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task. Processor names must be unique.
func (r *Registry) Register(t Task) error {
	if t.Name() == "" {
		return eris.New("pipeline: task has no name")
	}
	if _, ok := r.tasks[t.Name()]; ok {
		return eris.Errorf("pipeline: duplicate task %q", t.Name())
	}
	r.tasks[t.Name()] = t
	return nil
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Names lists the registered processor names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
