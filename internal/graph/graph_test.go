package graph

import (
	"errors"
	"testing"

	"storyline/internal/domain"
)

func story(id string, deps ...string) domain.Story {
	return domain.Story{ID: id, DependsOn: deps}
}

func TestValidateAcyclic(t *testing.T) {
	stories := []domain.Story{
		story("S1"),
		story("S2", "S1"),
		story("S3", "S1", "S2"),
	}
	if err := Validate(stories); err != nil {
		t.Fatalf("expected valid graph: %v", err)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	stories := []domain.Story{
		story("A", "B"),
		story("B", "A"),
	}
	err := Validate(stories)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %T", err)
	}
	if len(ce.Cycle) < 3 {
		t.Fatalf("expected cycle ids, got %v", ce.Cycle)
	}
	if ce.Cycle[0] != ce.Cycle[len(ce.Cycle)-1] {
		t.Fatalf("cycle should close on itself: %v", ce.Cycle)
	}
}

func TestValidateDetectsLongerCycle(t *testing.T) {
	stories := []domain.Story{
		story("A", "B"),
		story("B", "C"),
		story("C", "A"),
		story("D"),
	}
	var ce *CycleError
	if err := Validate(stories); !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(ce.Cycle) != 4 {
		t.Fatalf("expected 3-node cycle, got %v", ce.Cycle)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	stories := []domain.Story{story("A", "MISSING")}
	err := Validate(stories)
	var ue *UnknownDependencyError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if ue.DependsOn != "MISSING" {
		t.Fatalf("unexpected dep: %s", ue.DependsOn)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	stories := []domain.Story{story("A", "A")}
	var ce *CycleError
	if err := Validate(stories); !errors.As(err, &ce) {
		t.Fatalf("expected CycleError for self-dependency, got %v", err)
	}
}
