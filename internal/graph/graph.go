package graph

import (
	"fmt"
	"sort"
	"strings"

	"storyline/internal/domain"
)

// CycleError reports a dependency cycle, carrying the offending story
// ids in walk order so the operator can fix the backlog document.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError reports an edge to a story id that does not
// exist in the backlog.
type UnknownDependencyError struct {
	StoryID   string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("story %s depends on unknown story %s", e.StoryID, e.DependsOn)
}

// Validate checks the dependency graph implied by the stories'
// depends_on lists. It rejects edges to unknown ids and cycles. Run
// once at backlog load time; the graph is static within a session.
func Validate(stories []domain.Story) error {
	byID := make(map[string][]string, len(stories))
	for _, s := range stories {
		byID[s.ID] = s.DependsOn
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, dep := range byID[id] {
			if _, ok := byID[dep]; !ok {
				return &UnknownDependencyError{StoryID: id, DependsOn: dep}
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(byID))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range byID[id] {
			switch state[dep] {
			case visiting:
				// slice the stack down to where the cycle starts
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Cycle: cycle}
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
