package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"storyline/internal/backlog"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/graph"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func importDoc(t *testing.T, env testEnv, yaml string) domain.Backlog {
	t.Helper()
	doc, err := backlog.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse backlog: %v", err)
	}
	b, err := env.Engine.ImportBacklog(env.Ctx, doc, "tester")
	if err != nil {
		t.Fatalf("import backlog: %v", err)
	}
	return b
}

const threeStories = `
backlog:
  id: demo
  domain: demo
stories:
  - id: S1
    name: first
    priority: 10
    budget: 2
    acceptance: [done]
  - id: S2
    name: second
    priority: 20
    budget: 3
    depends_on: [S1]
    acceptance: [done]
  - id: S3
    name: third
    priority: 30
    budget: 1
    acceptance: [done]
`

func TestImportBacklogSetsDefaults(t *testing.T) {
	env := newTestEnv(t)
	doc, err := backlog.Parse([]byte(`
backlog:
  id: demo
  domain: demo
stories:
  - id: S1
    name: first
    acceptance: [done]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := env.Engine.ImportBacklog(env.Ctx, doc, "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	s, err := env.Engine.Repo.GetStory(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if s.Budget != env.Engine.Config.Runner.DefaultBudget {
		t.Fatalf("expected default budget, got %d", s.Budget)
	}
	if s.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", s.Status)
	}
}

func TestEligibleOrderingAndDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, threeStories)

	eligible, err := env.Engine.Repo.ListEligibleStories(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	// S2 depends on incomplete S1, so only S1 and S3, priority order
	if len(eligible) != 2 || eligible[0].ID != "S1" || eligible[1].ID != "S3" {
		t.Fatalf("unexpected eligible set: %+v", eligible)
	}

	if _, err := env.Engine.MarkInProgress(env.Ctx, "S2", "tester"); err == nil {
		t.Fatalf("expected dependency gate to reject S2")
	}

	if _, err := env.Engine.MarkInProgress(env.Ctx, "S1", "tester"); err != nil {
		t.Fatalf("start S1: %v", err)
	}
	if _, err := env.Engine.MarkCompleted(env.Ctx, "S1", "tester"); err != nil {
		t.Fatalf("complete S1: %v", err)
	}

	eligible, err = env.Engine.Repo.ListEligibleStories(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("eligible after S1: %v", err)
	}
	if len(eligible) != 2 || eligible[0].ID != "S2" || eligible[1].ID != "S3" {
		t.Fatalf("expected S2 eligible after S1 completes: %+v", eligible)
	}
}

func TestStatusTransitionGuard(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, threeStories)

	// pending -> completed skips in_progress
	if _, err := env.Engine.MarkCompleted(env.Ctx, "S1", "tester"); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.MarkInProgress(env.Ctx, "S1", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// in_progress -> in_progress
	if _, err := env.Engine.MarkInProgress(env.Ctx, "S1", "tester"); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.MarkCompleted(env.Ctx, "S1", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// completed is terminal
	if _, err := env.Engine.MarkBlocked(env.Ctx, "S1", "nope", "tester"); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected terminal completed, got %v", err)
	}
	if _, err := env.Engine.MarkCompleted(env.Ctx, "MISSING", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBlockedFromAnyState(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, threeStories)
	s, err := env.Engine.MarkBlocked(env.Ctx, "S3", "unworkable", "tester")
	if err != nil {
		t.Fatalf("block pending: %v", err)
	}
	if s.BlockReason == nil || *s.BlockReason != "unworkable" {
		t.Fatalf("expected block reason, got %+v", s)
	}
}

func TestImportRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	doc := &backlog.Document{}
	doc.Backlog.ID = "bad"
	doc.Backlog.Domain = "bad"
	doc.Stories = []backlog.StoryDoc{
		{ID: "A", Name: "a", DependsOn: []string{"B"}, Acceptance: []string{"x"}},
		{ID: "B", Name: "b", DependsOn: []string{"A"}, Acceptance: []string{"x"}},
	}
	_, err := env.Engine.ImportBacklog(env.Ctx, doc, "tester")
	var ce *graph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	// nothing imported
	if _, err := env.Engine.Repo.GetBacklog(env.Ctx, "bad"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestRecordIterationAppendsAndCounts(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, threeStories)
	if _, err := env.Engine.MarkInProgress(env.Ctx, "S1", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := env.Engine.RecordIteration(env.Ctx, domain.ProgressEntry{
			StoryID:   "S1",
			Iteration: i,
			Outcome:   domain.OutcomeFail,
			Learnings: "missed a case",
		}, "runner"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	s, err := env.Engine.Repo.GetStory(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Iterations != 3 {
		t.Fatalf("expected iteration counter 3, got %d", s.Iterations)
	}
	entries, err := env.Engine.Repo.ListProgress(env.Ctx, repo.ProgressFilters{StoryID: "S1"})
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Iteration != i+1 {
			t.Fatalf("entries out of order: %+v", entries)
		}
	}
}

func TestFileOverlapAcrossTracks(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, `
backlog:
  id: track-a
  domain: a
  track: A
stories:
  - id: A1
    name: a one
    acceptance: [done]
    files: [src/shared/util.ts]
`)
	importDoc(t, env, `
backlog:
  id: track-b
  domain: b
  track: B
stories:
  - id: B1
    name: b one
    acceptance: [done]
    files: [src/shared]
`)
	if _, err := env.Engine.MarkInProgress(env.Ctx, "A1", "tester"); err != nil {
		t.Fatalf("start A1: %v", err)
	}
	_, err := env.Engine.MarkInProgress(env.Ctx, "B1", "tester")
	if err == nil {
		t.Fatalf("expected file overlap rejection")
	}
	if !errors.Is(err, engine.ErrFileOverlap) {
		t.Fatalf("expected ErrFileOverlap, got %v", err)
	}
	// other rejection classes must not look like an overlap
	_, err = env.Engine.MarkInProgress(env.Ctx, "A1", "tester")
	if err == nil || errors.Is(err, engine.ErrFileOverlap) {
		t.Fatalf("restart rejection misclassified as overlap: %v", err)
	}
}

func TestUpdateAcceptance(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, threeStories)
	s, err := env.Engine.UpdateAcceptance(env.Ctx, "S1", []string{"renders", "persists"}, "reviewer")
	if err != nil {
		t.Fatalf("update acceptance: %v", err)
	}
	if len(s.Acceptance) != 2 {
		t.Fatalf("expected 2 criteria, got %+v", s.Acceptance)
	}
	if _, err := env.Engine.UpdateAcceptance(env.Ctx, "S1", nil, "reviewer"); err == nil {
		t.Fatalf("expected empty criteria rejection")
	}
}

func TestEventsAppendedOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	importDoc(t, env, threeStories)
	_, _ = env.Engine.MarkInProgress(env.Ctx, "S1", "tester")
	_, _ = env.Engine.MarkCompleted(env.Ctx, "S1", "tester")
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 0, "demo", "", "story", "S1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) < 2 {
		t.Fatalf("expected story events, got %d", len(evts))
	}
}
