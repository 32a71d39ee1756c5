package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/events"
	"storyline/internal/gate"
	"storyline/internal/ledger"
	"storyline/internal/repo"
	"storyline/internal/signal"
)

// State of the execution loop. The loop is an explicit finite state
// machine so the run semantics are deterministic and testable.
type State string

const (
	StateIdle       State = "idle"
	StateSelecting  State = "selecting"
	StateAttempting State = "attempting"
	StateVerifying  State = "verifying"
	StateRecording  State = "recording"
	StateTerminated State = "terminated"
)

// Reason a session terminated. Terminated is absorbing; no further
// story processing happens once reached.
type Reason string

const (
	ReasonAllComplete Reason = "all_complete"
	ReasonStuck       Reason = "stuck"
	ReasonFatal       Reason = "fatal"
	ReasonCancelled   Reason = "cancelled"
)

// Token returns the sentinel token for a terminal reason.
func (r Reason) Token() string {
	switch r {
	case ReasonAllComplete:
		return domain.TokenAllComplete
	case ReasonStuck:
		return domain.TokenStuckNeedsHelp
	case ReasonCancelled:
		return domain.TokenCancelled
	default:
		return domain.TokenFailedIntervention
	}
}

// AttemptResult is what one implementation attempt produced.
type AttemptResult struct {
	Learnings    string
	TouchedFiles []string
}

// Attempter produces a candidate change for a story. Prior ledger
// entries are passed in so an attempt can learn from earlier failures.
type Attempter interface {
	Attempt(ctx context.Context, story domain.Story, history []domain.ProgressEntry) (AttemptResult, error)
}

// Gate is the external pass/fail oracle gating story completion.
type Gate interface {
	Run(ctx context.Context, command string) (gate.Result, error)
}

// Outcome summarizes a finished session.
type Outcome struct {
	Reason Reason
	Token  string
	Counts domain.StatusCounts
}

// Loop drives one backlog's stories to completion, one at a time.
type Loop struct {
	Engine    engine.Engine
	Gate      Gate
	Attempter Attempter
	Emitter   signal.Emitter
	Ledger    ledger.Ledger
	Backlog   domain.Backlog
	ActorID   string

	// Trace, when set, observes every state transition. Used by tests.
	Trace func(State, string)

	state   State
	skipped map[string]bool
}

func (l *Loop) setState(s State, storyID string) {
	l.state = s
	if l.Trace != nil {
		l.Trace(s, storyID)
	}
}

// budgetLimit is the iteration count at which a story is blocked:
// ceil(budget x slack), slack allowing some retries beyond the
// estimate without spinning forever on an unsolvable story.
func (l *Loop) budgetLimit(s domain.Story) int {
	slack := l.Engine.Config.Runner.SlackMultiplier
	if slack < 1 {
		slack = 1
	}
	return int(math.Ceil(float64(s.Budget) * slack))
}

// Run executes the session until a terminal state. The returned error
// is non-nil only for fatal conditions; stuck and cancelled sessions
// are normal outcomes.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	l.skipped = map[string]bool{}
	l.setState(StateIdle, "")
	if ctx.Err() != nil {
		return l.terminate(context.WithoutCancel(ctx), ReasonCancelled, nil)
	}
	if err := l.Engine.RecordSessionEvent(ctx, "session.started", l.Backlog.ID, l.ActorID, events.EventPayload{
		"verify_command": l.Engine.Config.Runner.VerifyCommand,
	}); err != nil {
		return Outcome{}, err
	}

	for {
		// operator cancellation is honored only between iterations;
		// nothing from a cut-short iteration is persisted
		if ctx.Err() != nil {
			return l.terminate(context.WithoutCancel(ctx), ReasonCancelled, nil)
		}
		l.setState(StateSelecting, "")
		story, ok, err := l.selectStory(ctx)
		if err != nil {
			return l.fatal(ctx, err)
		}
		if !ok {
			return l.finishSelecting(ctx)
		}
		outcome, done, err := l.iterate(ctx, story)
		if err != nil {
			return l.fatal(ctx, err)
		}
		if done {
			return outcome, nil
		}
		l.setState(StateIdle, story.ID)
	}
}

// selectStory returns the story to work on: the backlog's in_progress
// story when one exists (session resume), otherwise the first eligible
// pending story by priority then id.
func (l *Loop) selectStory(ctx context.Context) (domain.Story, bool, error) {
	active, err := l.Engine.Repo.ListStories(ctx, repo.StoryFilters{
		BacklogID: l.Backlog.ID,
		Status:    domain.StatusInProgress,
		Limit:     1,
	})
	if err != nil {
		return domain.Story{}, false, err
	}
	if len(active) > 0 {
		return active[0], true, nil
	}
	eligible, err := l.Engine.Repo.ListEligibleStories(ctx, l.Backlog.ID)
	if err != nil {
		return domain.Story{}, false, err
	}
	for _, s := range eligible {
		if l.skipped[s.ID] {
			continue
		}
		started, err := l.Engine.MarkInProgress(ctx, s.ID, l.ActorID)
		if err != nil {
			if !errors.Is(err, engine.ErrFileOverlap) {
				return domain.Story{}, false, err
			}
			// declared files clash with another track's active story:
			// pass over it for the rest of this session
			l.skipped[s.ID] = true
			if _, rerr := l.Engine.RecordIteration(ctx, domain.ProgressEntry{
				StoryID:   s.ID,
				Iteration: s.Iterations,
				Outcome:   domain.OutcomeSkipped,
				Learnings: err.Error(),
			}, l.ActorID); rerr != nil {
				return domain.Story{}, false, rerr
			}
			continue
		}
		return started, true, nil
	}
	return domain.Story{}, false, nil
}

// finishSelecting terminates the session when no story is selectable.
func (l *Loop) finishSelecting(ctx context.Context) (Outcome, error) {
	counts, err := l.Engine.Repo.CountStoriesByStatus(ctx, l.Backlog.ID)
	if err != nil {
		return Outcome{}, err
	}
	if counts.AllComplete() {
		return l.terminate(ctx, ReasonAllComplete, counts)
	}
	// blocked stories, skipped stories, or pending stories gated
	// behind blocked dependencies: nothing more can be done here
	return l.terminate(ctx, ReasonStuck, counts)
}

// iterate runs one Attempting -> Verifying -> Recording pass for the
// story. done is true when the whole session terminated inside.
func (l *Loop) iterate(ctx context.Context, story domain.Story) (Outcome, bool, error) {
	iteration := story.Iterations + 1
	limit := l.budgetLimit(story)

	l.setState(StateAttempting, story.ID)
	history, err := l.Engine.Repo.ListProgress(ctx, repo.ProgressFilters{StoryID: story.ID})
	if err != nil {
		return Outcome{}, false, err
	}
	attempt, err := l.Attempter.Attempt(ctx, story, history)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("attempt %s iteration %d: %w", story.ID, iteration, err)
	}

	pass := true
	gateOutput := ""
	learnings := attempt.Learnings
	if story.FileBudget > 0 && len(attempt.TouchedFiles) > story.FileBudget {
		pass = false
		learnings = fmt.Sprintf("attempt touched %d files, budget is %d; split the change or raise the budget", len(attempt.TouchedFiles), story.FileBudget)
	}

	if pass {
		l.setState(StateVerifying, story.ID)
		res, err := l.Gate.Run(ctx, l.Engine.Config.Runner.VerifyCommand)
		if err != nil {
			return Outcome{}, false, err
		}
		if ctx.Err() != nil {
			// cancelled mid-verify: persist nothing from this iteration
			out, err := l.terminate(context.WithoutCancel(ctx), ReasonCancelled, nil)
			return out, true, err
		}
		pass = res.Passed
		if !pass {
			gateOutput = gate.CompactOutput(res.Output, 40, 4000)
			if res.TimedOut {
				learnings = fmt.Sprintf("verification timed out after %s", res.Duration.Round(time.Second))
			}
		}
	}

	l.setState(StateRecording, story.ID)
	if pass {
		if _, err := l.Engine.RecordIteration(ctx, domain.ProgressEntry{
			StoryID:   story.ID,
			Iteration: iteration,
			Outcome:   domain.OutcomePass,
			Learnings: learnings,
		}, l.ActorID); err != nil {
			return Outcome{}, false, err
		}
		completed, err := l.Engine.MarkCompleted(ctx, story.ID, l.ActorID)
		if err != nil {
			return Outcome{}, false, err
		}
		if _, err := l.Emitter.EmitStory(ctx, completed); err != nil {
			return Outcome{}, false, err
		}
	} else if iteration >= limit {
		reason := fmt.Sprintf("iteration budget exhausted (%d of %d)", iteration, limit)
		if _, err := l.Engine.RecordIteration(ctx, domain.ProgressEntry{
			StoryID:    story.ID,
			Iteration:  iteration,
			Outcome:    domain.OutcomeBlocked,
			Learnings:  learnings,
			GateOutput: gateOutput,
		}, l.ActorID); err != nil {
			return Outcome{}, false, err
		}
		if _, err := l.Engine.MarkBlocked(ctx, story.ID, reason, l.ActorID); err != nil {
			return Outcome{}, false, err
		}
	} else {
		if _, err := l.Engine.RecordIteration(ctx, domain.ProgressEntry{
			StoryID:    story.ID,
			Iteration:  iteration,
			Outcome:    domain.OutcomeFail,
			Learnings:  learnings,
			GateOutput: gateOutput,
		}, l.ActorID); err != nil {
			return Outcome{}, false, err
		}
	}
	if err := l.Ledger.Sync(ctx, l.Backlog); err != nil {
		return Outcome{}, false, err
	}
	return Outcome{}, false, nil
}

// fatal terminates the session on an unrecoverable condition. The
// original error is returned alongside the outcome so the operator
// exit path can report it.
func (l *Loop) fatal(ctx context.Context, cause error) (Outcome, error) {
	out, err := l.terminate(context.WithoutCancel(ctx), ReasonFatal, nil)
	if err != nil {
		return out, errors.Join(cause, err)
	}
	return out, cause
}

func (l *Loop) terminate(ctx context.Context, reason Reason, counts domain.StatusCounts) (Outcome, error) {
	l.setState(StateTerminated, "")
	if counts == nil {
		if c, err := l.Engine.Repo.CountStoriesByStatus(ctx, l.Backlog.ID); err == nil {
			counts = c
		}
	}
	token := reason.Token()
	if err := l.Emitter.EmitSession(ctx, token); err != nil {
		return Outcome{Reason: reason, Token: token, Counts: counts}, err
	}
	if err := l.Engine.RecordSessionEvent(ctx, "session.ended", l.Backlog.ID, l.ActorID, events.EventPayload{
		"reason": string(reason),
		"token":  token,
	}); err != nil {
		return Outcome{Reason: reason, Token: token, Counts: counts}, err
	}
	if err := l.Ledger.Sync(ctx, l.Backlog); err != nil {
		return Outcome{Reason: reason, Token: token, Counts: counts}, err
	}
	return Outcome{Reason: reason, Token: token, Counts: counts}, nil
}
