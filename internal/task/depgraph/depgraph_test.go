package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
)

func d(id string, deps ...string) job.Definition {
	return job.Definition{ID: id, DependsOn: deps}
}

func TestResolveBatches(t *testing.T) {
	t.Parallel()
	defs := []job.Definition{d("sync"), d("mirror"), d("analyze", "sync"), d("report", "analyze", "mirror"), d("solo")}

	tests := []struct {
		name    string
		due     []string
		snap    Snapshot
		batches [][]string
		skipped []string
	}{
		{
			name:    "all due",
			due:     []string{"report", "solo", "analyze", "mirror", "sync"},
			batches: [][]string{{"sync", "mirror", "solo"}, {"analyze"}, {"report"}},
		},
		{
			name:    "dependency not due and succeeded",
			due:     []string{"analyze"},
			snap:    Snapshot{"sync": ledger.StateSucceeded},
			batches: [][]string{{"analyze"}},
		},
		{
			name:    "dependency not due and failed",
			due:     []string{"analyze", "solo"},
			snap:    Snapshot{"sync": ledger.StateFailed},
			batches: [][]string{{"solo"}},
			skipped: []string{"analyze"},
		},
		{
			name:    "cascade",
			due:     []string{"analyze", "report", "mirror"},
			snap:    Snapshot{"sync": ledger.StateSkipped},
			batches: [][]string{{"mirror"}},
			skipped: []string{"analyze", "report"},
		},
		{
			name:    "never ran",
			due:     []string{"analyze"},
			batches: nil,
			skipped: []string{"analyze"},
		},
		{
			name: "unknown due ids ignored",
			due:  []string{"ghost"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Resolve(defs, tt.due, tt.snap)
			assert.Equal(t, tt.batches, p.Batches)
			var skipped []string
			for _, s := range p.Skipped {
				skipped = append(skipped, s.JobID)
			}
			assert.Equal(t, tt.skipped, skipped)
		})
	}
}

func TestResolveSkipReason(t *testing.T) {
	t.Parallel()
	defs := []job.Definition{d("a"), d("b", "a"), d("c", "b")}
	p := Resolve(defs, []string{"b", "c"}, Snapshot{"a": ledger.StateFailed})
	require.Len(t, p.Skipped, 2)

	assert.Equal(t, Skip{JobID: "b", Blocker: "a", BlockerState: ledger.StateFailed, Reason: `dependency "a" not satisfied (failed)`}, p.Skipped[0])
	assert.Equal(t, "b", p.Skipped[1].Blocker)
	assert.Equal(t, ledger.StateSkipped, p.Skipped[1].BlockerState)
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()
	defs := []job.Definition{d("a"), d("b"), d("c", "a"), d("d", "a", "b"), d("e", "c", "d"), d("f")}
	due := []string{"f", "e", "d", "c", "b", "a"}
	snap := Snapshot{"x": ledger.StateSucceeded}

	first := Resolve(defs, due, snap)
	for i := 0; i < 50; i++ {
		// Map iteration inside Resolve must not leak into the output.
		require.Equal(t, first, Resolve(defs, due, snap))
	}
	require.Equal(t, [][]string{{"a", "b", "f"}, {"c", "d"}, {"e"}}, first.Batches)
}

func TestResolveSecondPass(t *testing.T) {
	t.Parallel()
	// After batch 0 completes, the scheduler resolves the rest with batch 0's
	// results in the snapshot.
	defs := []job.Definition{d("a"), d("b", "a"), d("c", "a")}
	p := Resolve(defs, []string{"a", "b", "c"}, nil)
	require.Equal(t, [][]string{{"a"}, {"b", "c"}}, p.Batches)

	p = Resolve(defs, []string{"b", "c"}, Snapshot{"a": ledger.StateSucceeded})
	require.Equal(t, [][]string{{"b", "c"}}, p.Batches)

	p = Resolve(defs, []string{"b", "c"}, Snapshot{"a": ledger.StateFailed})
	require.Empty(t, p.Batches)
	require.Len(t, p.Skipped, 2)
}
