package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"storyline/internal/domain"
	"storyline/internal/repo"
)

// Ledger mirrors the append-only progress_entries table into a
// human-readable markdown file per backlog. The database is the source
// of truth; the file is regenerated from it, with the journal section
// always rendered in append order.
type Ledger struct {
	Workspace string
	Repo      repo.Repo
}

// Path returns the progress file path for a backlog.
func (l Ledger) Path(backlogID string) string {
	workspace := l.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fmt.Sprintf("progress-%s.md", backlogID))
}

// Marker returns the checklist marker for a story status.
func Marker(status string) string {
	switch status {
	case domain.StatusCompleted:
		return "[x]"
	case domain.StatusInProgress:
		return "[~]"
	case domain.StatusBlocked:
		return "[!]"
	default:
		return "[ ]"
	}
}

// Sync rewrites the progress file from the store: a status checklist
// for every story followed by the iteration journal.
func (l Ledger) Sync(ctx context.Context, backlog domain.Backlog) error {
	stories, err := l.Repo.ListStories(ctx, repo.StoryFilters{BacklogID: backlog.ID})
	if err != nil {
		return err
	}
	entries, err := l.Repo.ListProgress(ctx, repo.ProgressFilters{BacklogID: backlog.ID})
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Progress - %s\n\n", backlog.ID)
	fmt.Fprintf(&b, "domain: %s", backlog.Domain)
	if backlog.Track != "" {
		fmt.Fprintf(&b, " | track: %s", backlog.Track)
	}
	b.WriteString("\n\n## Stories\n\n")
	for _, s := range stories {
		fmt.Fprintf(&b, "- %s %s - %s", Marker(s.Status), s.ID, s.Name)
		if s.Status == domain.StatusBlocked && s.BlockReason != nil {
			fmt.Fprintf(&b, " (blocked: %s)", *s.BlockReason)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n## Journal\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "### %s iteration %d - %s (%s)\n", e.StoryID, e.Iteration, e.Outcome, e.TS)
		if e.Learnings != "" {
			fmt.Fprintf(&b, "%s\n", e.Learnings)
		}
		if e.GateOutput != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n", strings.TrimRight(e.GateOutput, "\n"))
		}
		b.WriteString("\n")
	}
	return os.WriteFile(l.Path(backlog.ID), []byte(b.String()), 0o644)
}
