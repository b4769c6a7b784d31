package ledger

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// memStore keeps runs in process memory. The file backend reuses it with a
// persist hook that journals every write before it becomes visible.
type memStore struct {
	mu     sync.Mutex
	seq    uint64
	runs   map[string]*Run
	byJob  map[string][]*Run // insertion order
	order  []*Run
	closed bool

	persist func(Run) error
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() Ledger { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*Run), byJob: make(map[string][]*Run)}
}

// load adds a record without validation; used while replaying files.
func (m *memStore) load(r Run) {
	if cur, ok := m.runs[r.ID]; ok {
		*cur = r
		return
	}
	if r.Seq == 0 {
		r.Seq = m.seq + 1
	}
	if r.Seq > m.seq {
		m.seq = r.Seq
	}
	p := &r
	m.runs[r.ID] = p
	m.byJob[r.JobID] = append(m.byJob[r.JobID], p)
	m.order = append(m.order, p)
}

func (m *memStore) Insert(ctx context.Context, r Run) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	if err := validateInsert(r); err != nil {
		return Run{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Run{}, ErrClosed
	}
	if _, ok := m.runs[r.ID]; ok {
		return Run{}, errors.Wrapf(ErrDuplicateRun, "run %s", r.ID)
	}
	r = r.clone()
	r.Seq = m.seq + 1
	if m.persist != nil {
		if err := m.persist(r); err != nil {
			return Run{}, errors.Wrap(err, "persist run")
		}
	}
	m.seq = r.Seq
	p := &r
	m.runs[r.ID] = p
	m.byJob[r.JobID] = append(m.byJob[r.JobID], p)
	m.order = append(m.order, p)
	return r.clone(), nil
}

func (m *memStore) Get(ctx context.Context, id string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.runs[id]
	if !ok {
		return Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return p.clone(), nil
}

func (m *memStore) Update(ctx context.Context, id string, expect State, fn func(*Run) error) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Run{}, ErrClosed
	}
	p, ok := m.runs[id]
	if !ok {
		return Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	next, err := applyUpdate(*p, expect, fn)
	if err != nil {
		return Run{}, err
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return Run{}, errors.Wrap(err, "persist run")
		}
	}
	*p = next
	return next.clone(), nil
}

func (m *memStore) List(ctx context.Context, q Query) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.order
	if q.JobID != "" {
		src = m.byJob[q.JobID]
	}
	out := make([]Run, 0)
	for i := len(src) - 1; i >= 0; i-- {
		if !q.matches(*src[i]) {
			continue
		}
		out = append(out, src[i].clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MaxCycle(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var top uint64
	for _, r := range m.order {
		top = max(top, r.Cycle)
	}
	return top, nil
}

func (m *memStore) snapshot() []Run {
	out := make([]Run, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, p.clone())
	}
	return out
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
