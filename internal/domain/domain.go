package domain

// Story statuses. A story only ever moves forward:
// pending -> in_progress -> completed, or any state -> blocked.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

// Progress entry outcomes.
const (
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeBlocked = "blocked"
	OutcomeSkipped = "skipped"
)

// Terminal session tokens emitted to the signal stream.
const (
	TokenAllComplete        = "ALL_COMPLETE"
	TokenStuckNeedsHelp     = "STUCK_NEEDS_HELP"
	TokenFailedIntervention = "FAILED_NEEDS_INTERVENTION"
	TokenCancelled          = "CANCELLED"
)

type Backlog struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Priority  int    `json:"priority"`
	Track     string `json:"track,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Story struct {
	ID          string   `json:"id"`
	BacklogID   string   `json:"backlog_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	Status      string   `json:"status" enum:"pending,in_progress,completed,blocked"`
	Acceptance  []string `json:"acceptance,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Budget      int      `json:"budget"`
	FileBudget  int      `json:"file_budget,omitempty"`
	Files       []string `json:"files,omitempty"`
	SignalToken string   `json:"signal_token,omitempty"`
	Iterations  int      `json:"iterations"`
	BlockReason *string  `json:"block_reason,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Token returns the sentinel token announcing this story's completion.
func (s Story) Token() string {
	if s.SignalToken != "" {
		return s.SignalToken
	}
	return s.ID + "_COMPLETE"
}

// ProgressEntry is one ledger line per iteration attempt. Append-only.
type ProgressEntry struct {
	ID         int64  `json:"id"`
	BacklogID  string `json:"backlog_id"`
	StoryID    string `json:"story_id"`
	Iteration  int    `json:"iteration"`
	Outcome    string `json:"outcome" enum:"pass,fail,blocked,skipped"`
	Learnings  string `json:"learnings,omitempty"`
	GateOutput string `json:"gate_output,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

// Signal records an emitted sentinel token so a restarted session
// does not re-emit it.
type Signal struct {
	ID      string `json:"id"`
	StoryID string `json:"story_id,omitempty"`
	Token   string `json:"token"`
	TS      string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BacklogID  string `json:"backlog_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StatusCounts maps a story status to the number of stories in it.
type StatusCounts map[string]int

// Done reports whether every story reached a terminal status.
func (c StatusCounts) Done() bool {
	return c[StatusPending] == 0 && c[StatusInProgress] == 0
}

// AllComplete reports whether every story completed.
func (c StatusCounts) AllComplete() bool {
	return c.Done() && c[StatusBlocked] == 0
}
