package signal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/repo"
)

// Emitter writes sentinel tokens to an output stream so an external
// harness can detect story and session completion without structured
// IPC. Every emission is recorded in the signals table, which makes
// re-emission for an already-signalled token a no-op across sessions.
type Emitter struct {
	Out  io.Writer
	Repo repo.Repo
	Now  func() time.Time
}

func New(out io.Writer, r repo.Repo) Emitter {
	return Emitter{Out: out, Repo: r, Now: time.Now}
}

func (e Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Emit writes a story token wrapped in the promise grammar, once.
// Returns true when the token was actually written, false when it had
// already been emitted by an earlier session.
func (e Emitter) Emit(ctx context.Context, storyID, token string) (bool, error) {
	emitted, err := e.Repo.SignalEmitted(ctx, token)
	if err != nil {
		return false, err
	}
	if emitted {
		return false, nil
	}
	return true, e.write(ctx, storyID, token)
}

// EmitSession writes a terminal session token. Session tokens are not
// deduplicated; every session ends with exactly one.
func (e Emitter) EmitSession(ctx context.Context, token string) error {
	return e.write(ctx, "", token)
}

func (e Emitter) write(ctx context.Context, storyID, token string) error {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	sig := domain.Signal{
		ID:      uuid.New().String(),
		StoryID: storyID,
		Token:   token,
		TS:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertSignalTx(ctx, tx, sig); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "<promise>%s</promise>\n", token)
	return nil
}

// EmitStory emits the story's completion token. A no-op when the story
// is already completed in the store before this session signalled it.
func (e Emitter) EmitStory(ctx context.Context, s domain.Story) (bool, error) {
	return e.Emit(ctx, s.ID, s.Token())
}
