package job

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrDuplicateJobID    = errors.New("duplicate job id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrNotFound          = errors.New("job not found")
	ErrInvalidDefinition = errors.New("invalid job definition")
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// job id; each consecutive pair is a "depends on" edge.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	from, to := e.Edge()
	return fmt.Sprintf("cyclic dependency: %s (edge %q -> %q)", strings.Join(e.Path, " -> "), from, to)
}

// Edge returns one offending edge of the cycle: from depends on to.
func (e *CycleError) Edge() (from, to string) {
	switch len(e.Path) {
	case 0:
		return "", ""
	case 1:
		return e.Path[0], e.Path[0]
	}
	return e.Path[len(e.Path)-2], e.Path[len(e.Path)-1]
}

// Is makes errors.Is(err, ErrCyclicDependency) match.
func (e *CycleError) Is(target error) bool { return target == ErrCyclicDependency }
