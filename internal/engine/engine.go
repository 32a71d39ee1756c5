package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyline/internal/backlog"
	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/graph"
	"storyline/internal/repo"
)

// Engine owns all writes to the story store and progress ledger.
// External actors read through Repo; the only external write surface
// is UpdateAcceptance.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// ErrFileOverlap rejects a story whose declared files intersect an
// in_progress story on another track.
var ErrFileOverlap = errors.New("file overlap")

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ImportBacklog loads a validated backlog document into the store.
// The dependency graph is checked here, before any iteration can run;
// a cycle aborts the import.
func (e Engine) ImportBacklog(ctx context.Context, doc *backlog.Document, actorID string) (domain.Backlog, error) {
	if e.Config == nil {
		return domain.Backlog{}, errors.New("config not loaded")
	}
	stories := doc.StoriesAsDomain()
	if err := graph.Validate(stories); err != nil {
		return domain.Backlog{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Backlog{
		ID:        doc.Backlog.ID,
		Domain:    doc.Backlog.Domain,
		Priority:  doc.Backlog.Priority,
		Track:     doc.Backlog.Track,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Backlog{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBacklogTx(ctx, tx, b); err != nil {
		return domain.Backlog{}, fmt.Errorf("insert backlog: %w", err)
	}
	for i := range stories {
		s := &stories[i]
		if s.Budget == 0 {
			s.Budget = e.Config.Runner.DefaultBudget
		}
		if s.FileBudget == 0 {
			s.FileBudget = e.Config.Runner.DefaultFileBudget
		}
		s.CreatedAt = now
		s.UpdatedAt = now
		if err := e.Repo.InsertStoryTx(ctx, tx, *s); err != nil {
			return domain.Backlog{}, fmt.Errorf("insert story %s: %w", s.ID, err)
		}
	}
	// dependencies after all stories exist so foreign keys hold
	for _, s := range stories {
		if len(s.DependsOn) > 0 {
			if err := e.Repo.AddDependenciesTx(ctx, tx, s.ID, s.DependsOn); err != nil {
				return domain.Backlog{}, fmt.Errorf("dependencies for %s: %w", s.ID, err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "backlog.imported", b.ID, "backlog", b.ID, actorID, events.EventPayload{
		"domain":  b.Domain,
		"stories": len(stories),
		"track":   b.Track,
	}); err != nil {
		return domain.Backlog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Backlog{}, err
	}
	return b, nil
}

// ensureStoryTransition enforces the status machine: a story only ever
// moves pending -> in_progress -> completed, or from any non-terminal
// state to blocked.
func ensureStoryTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusBlocked {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusBlocked {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", repo.ErrInvalidTransition, oldStatus, newStatus)
}

// MarkInProgress moves a pending story into in_progress. Fails when
// any dependency has not completed, or when the story's declared files
// overlap an in_progress story on a different track.
func (e Engine) MarkInProgress(ctx context.Context, id, actorID string) (domain.Story, error) {
	s, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	if err := ensureStoryTransition(s.Status, domain.StatusInProgress); err != nil {
		return s, err
	}
	for _, dep := range s.DependsOn {
		d, err := e.Repo.GetStory(ctx, dep)
		if err != nil {
			return s, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if d.Status != domain.StatusCompleted {
			return s, fmt.Errorf("dependency %s not completed (status %s)", dep, d.Status)
		}
	}
	if err := e.ensureNoFileOverlap(ctx, s); err != nil {
		return s, err
	}
	s.Status = domain.StatusInProgress
	return e.saveStatus(ctx, s, "story.started", actorID, events.EventPayload{"name": s.Name})
}

// MarkCompleted moves an in_progress story to completed.
func (e Engine) MarkCompleted(ctx context.Context, id, actorID string) (domain.Story, error) {
	s, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	if err := ensureStoryTransition(s.Status, domain.StatusCompleted); err != nil {
		return s, err
	}
	s.Status = domain.StatusCompleted
	now := e.now().UTC().Format(time.RFC3339)
	s.CompletedAt = &now
	return e.saveStatus(ctx, s, "story.completed", actorID, events.EventPayload{"iterations": s.Iterations})
}

// MarkBlocked moves a story to blocked with a reason. Terminal for the
// story, never fatal for the session.
func (e Engine) MarkBlocked(ctx context.Context, id, reason, actorID string) (domain.Story, error) {
	s, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	if err := ensureStoryTransition(s.Status, domain.StatusBlocked); err != nil {
		return s, err
	}
	s.Status = domain.StatusBlocked
	s.BlockReason = &reason
	return e.saveStatus(ctx, s, "story.blocked", actorID, events.EventPayload{"reason": reason})
}

func (e Engine) saveStatus(ctx context.Context, s domain.Story, evtType, actorID string, payload events.EventPayload) (domain.Story, error) {
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStoryTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, evtType, s.BacklogID, "story", s.ID, actorID, payload); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ensureNoFileOverlap rejects a story whose declared file-writes
// intersect those of an in_progress story on another track. Paths
// overlap when equal or when one is a directory prefix of the other.
func (e Engine) ensureNoFileOverlap(ctx context.Context, s domain.Story) error {
	if len(s.Files) == 0 {
		return nil
	}
	myBacklog, err := e.Repo.GetBacklog(ctx, s.BacklogID)
	if err != nil {
		return err
	}
	active, err := e.Repo.ListActiveStories(ctx)
	if err != nil {
		return err
	}
	for _, other := range active {
		if other.BacklogID == s.BacklogID {
			continue
		}
		otherBacklog, err := e.Repo.GetBacklog(ctx, other.BacklogID)
		if err != nil {
			return err
		}
		if otherBacklog.Track == myBacklog.Track && myBacklog.Track != "" {
			continue
		}
		for _, mine := range s.Files {
			for _, theirs := range other.Files {
				if pathsOverlap(mine, theirs) {
					return fmt.Errorf("%w: %s intersects active story %s (file %s)", ErrFileOverlap, mine, other.ID, theirs)
				}
			}
		}
	}
	return nil
}

func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < len(b) {
		a, b = b, a
	}
	return len(a) > len(b) && a[:len(b)] == b && a[len(b)] == '/'
}

// RecordIteration appends a ledger entry and bumps the story's
// iteration counter in one transaction. The ledger is append-only;
// nothing here ever rewrites a prior entry.
func (e Engine) RecordIteration(ctx context.Context, entry domain.ProgressEntry, actorID string) (domain.ProgressEntry, error) {
	s, err := e.Repo.GetStory(ctx, entry.StoryID)
	if err != nil {
		return entry, err
	}
	entry.BacklogID = s.BacklogID
	if entry.TS == "" {
		entry.TS = e.now().UTC().Format(time.RFC3339)
	}
	s.Iterations = entry.Iteration
	s.UpdatedAt = entry.TS

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	id, err := e.Repo.AppendProgressTx(ctx, tx, entry)
	if err != nil {
		return entry, err
	}
	entry.ID = id
	if err := e.Repo.UpdateStoryTx(ctx, tx, s); err != nil {
		return entry, err
	}
	if err := e.Events.Append(ctx, tx, "iteration.recorded", s.BacklogID, "story", s.ID, actorID, events.EventPayload{
		"iteration": entry.Iteration,
		"outcome":   entry.Outcome,
	}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

// UpdateAcceptance replaces a story's acceptance criteria. This is the
// only story field external actors may write; status stays loop-owned.
func (e Engine) UpdateAcceptance(ctx context.Context, id string, criteria []string, actorID string) (domain.Story, error) {
	if len(criteria) == 0 {
		return domain.Story{}, errors.New("at least one acceptance criterion is required")
	}
	for _, c := range criteria {
		if c == "" {
			return domain.Story{}, errors.New("empty acceptance criterion")
		}
	}
	s, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	s.Acceptance = criteria
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStoryTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "story.acceptance.updated", s.BacklogID, "story", s.ID, actorID, events.EventPayload{
		"criteria": len(criteria),
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// RecordSessionEvent appends a session lifecycle event.
func (e Engine) RecordSessionEvent(ctx context.Context, evtType, backlogID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, backlogID, "session", backlogID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
