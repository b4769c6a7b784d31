package job

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type entry struct {
	def   Definition
	spec  ParsedSpec
	sched Schedule
}

// Registry holds validated job definitions in registration order.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	loc     *time.Location
	entries []*entry
	byID    map[string]int
}

// NewRegistry creates an empty registry. Cron schedules are evaluated in loc
// (nil = UTC).
func NewRegistry(loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{loc: loc, byID: make(map[string]int)}
}

// Register adds one definition. Every dependency must already be registered,
// so callers register in dependency order (use RegisterAll otherwise).
func (r *Registry) Register(def Definition) error {
	return r.RegisterAll(def)
}

// RegisterAll adds a set of definitions in two phases: all ids are declared
// first, then every dependency is linked and the full graph is checked for
// cycles. Either every definition is registered or none is.
func (r *Registry) RegisterAll(defs ...Definition) error {
	if len(defs) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase 1: declare.
	batch := make([]*entry, 0, len(defs))
	declared := make(map[string]int, len(defs))
	for i := range defs {
		def := defs[i].clone()
		if err := def.validate(); err != nil {
			return err
		}
		if _, ok := r.byID[def.ID]; ok {
			return errors.Wrapf(ErrDuplicateJobID, "job %q already registered", def.ID)
		}
		if _, ok := declared[def.ID]; ok {
			return errors.Wrapf(ErrDuplicateJobID, "job %q declared twice", def.ID)
		}
		spec, err := ParseSchedule(def.Schedule)
		if err != nil {
			return errors.Wrapf(ErrInvalidDefinition, "job %q: %v", def.ID, err)
		}
		sched, err := Compile(spec, r.loc)
		if err != nil {
			return errors.Wrapf(ErrInvalidDefinition, "job %q: %v", def.ID, err)
		}
		declared[def.ID] = len(batch)
		batch = append(batch, &entry{def: def, spec: spec, sched: sched})
	}

	// Phase 2: link.
	for _, e := range batch {
		for _, dep := range e.def.DependsOn {
			if dep == e.def.ID {
				return &CycleError{Path: []string{e.def.ID, e.def.ID}}
			}
			_, known := r.byID[dep]
			_, inBatch := declared[dep]
			if !known && !inBatch {
				return errors.WithDetailf(
					errors.Wrapf(ErrUnknownDependency, "job %q depends on %q", e.def.ID, dep),
					"dependencies must be registered first or in the same batch",
				)
			}
		}
	}

	all := make([]*entry, 0, len(r.entries)+len(batch))
	all = append(all, r.entries...)
	all = append(all, batch...)
	if err := detectCycle(all); err != nil {
		return err
	}

	for _, e := range batch {
		r.byID[e.def.ID] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return nil
}

// detectCycle runs a depth-first traversal over the whole graph, visiting
// roots in registration order and dependencies in declared order.
func detectCycle(entries []*entry) error {
	const (
		white = iota
		grey
		black
	)
	idx := make(map[string]int, len(entries))
	for i, e := range entries {
		idx[e.def.ID] = i
	}
	color := make([]int, len(entries))
	var stack []string

	var visit func(i int) *CycleError
	visit = func(i int) *CycleError {
		color[i] = grey
		stack = append(stack, entries[i].def.ID)
		for _, dep := range entries[i].def.DependsOn {
			j, ok := idx[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case grey:
				start := 0
				for k, id := range stack {
					if id == dep {
						start = k
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep)
				return &CycleError{Path: path}
			case white:
				if ce := visit(j); ce != nil {
					return ce
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range entries {
		if color[i] != white {
			continue
		}
		if ce := visit(i); ce != nil {
			return ce
		}
	}
	return nil
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Definition{}, errors.Wrapf(ErrNotFound, "job %q", id)
	}
	return r.entries[i].def.clone(), nil
}

// Schedule returns the compiled schedule for id.
func (r *Registry) Schedule(id string) (Schedule, ParsedSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return nil, ParsedSpec{}, errors.Wrapf(ErrNotFound, "job %q", id)
	}
	e := r.entries[i]
	return e.sched, e.spec, nil
}

// All returns every definition in registration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def.clone())
	}
	return out
}

// Index returns the registration position of id, or -1.
func (r *Registry) Index(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byID[id]; ok {
		return i
	}
	return -1
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Location is the time zone cron schedules are evaluated in.
func (r *Registry) Location() *time.Location { return r.loc }
