package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"storyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// --- backlogs ---

func (r Repo) InsertBacklogTx(ctx context.Context, tx *sql.Tx, b domain.Backlog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO backlogs(id,domain,priority,track,created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.Domain, b.Priority, nullable(b.Track), b.CreatedAt)
	return err
}

func (r Repo) GetBacklog(ctx context.Context, id string) (domain.Backlog, error) {
	var b domain.Backlog
	var track sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,domain,priority,track,created_at FROM backlogs WHERE id=?`, id).
		Scan(&b.ID, &b.Domain, &b.Priority, &track, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if track.Valid {
		b.Track = track.String
	}
	return b, err
}

func (r Repo) ListBacklogs(ctx context.Context) ([]domain.Backlog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,domain,priority,track,created_at FROM backlogs ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Backlog
	for rows.Next() {
		var b domain.Backlog
		var track sql.NullString
		if err := rows.Scan(&b.ID, &b.Domain, &b.Priority, &track, &b.CreatedAt); err != nil {
			return nil, err
		}
		if track.Valid {
			b.Track = track.String
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// SingleBacklog returns the only backlog in the workspace, or an error
// when there are none or several.
func (r Repo) SingleBacklog(ctx context.Context) (domain.Backlog, error) {
	backlogs, err := r.ListBacklogs(ctx)
	if err != nil {
		return domain.Backlog{}, err
	}
	if len(backlogs) == 0 {
		return domain.Backlog{}, ErrNotFound
	}
	if len(backlogs) > 1 {
		return domain.Backlog{}, errors.New("multiple backlogs exist; specify --backlog")
	}
	return backlogs[0], nil
}

// --- stories ---

func (r Repo) InsertStoryTx(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	acc, err := marshalStringSlice(s.Acceptance)
	if err != nil {
		return err
	}
	files, err := marshalStringSlice(s.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stories(id,backlog_id,name,description,priority,status,acceptance_json,files_json,budget,file_budget,signal_token,iterations,block_reason,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.BacklogID, s.Name, nullable(s.Description), s.Priority, s.Status, nullableStringPtr(acc), nullableStringPtr(files),
		s.Budget, s.FileBudget, nullable(s.SignalToken), s.Iterations, nullableStringPtr(s.BlockReason), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) AddDependenciesTx(ctx context.Context, tx *sql.Tx, storyID string, deps []string) error {
	for _, d := range deps {
		if d == storyID {
			return errors.New("story cannot depend on itself")
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO story_dependencies(story_id,depends_on_id) VALUES (?,?)`, storyID, d); err != nil {
			return err
		}
	}
	return nil
}

const storyColumns = `id,backlog_id,name,description,priority,status,acceptance_json,files_json,budget,file_budget,signal_token,iterations,block_reason,created_at,updated_at,completed_at`

func scanStory(scan func(...any) error) (domain.Story, error) {
	var s domain.Story
	var description, acceptance, files, token, blockReason, completedAt sql.NullString
	err := scan(&s.ID, &s.BacklogID, &s.Name, &description, &s.Priority, &s.Status, &acceptance, &files,
		&s.Budget, &s.FileBudget, &token, &s.Iterations, &blockReason, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if description.Valid {
		s.Description = description.String
	}
	if acceptance.Valid {
		if err := json.Unmarshal([]byte(acceptance.String), &s.Acceptance); err != nil {
			return s, err
		}
	}
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &s.Files); err != nil {
			return s, err
		}
	}
	if token.Valid {
		s.SignalToken = token.String
	}
	if blockReason.Valid {
		s.BlockReason = &blockReason.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id)
	s, err := scanStory(row.Scan)
	if err != nil {
		return s, err
	}
	s.DependsOn, err = r.ListStoryDependencies(ctx, id)
	return s, err
}

func (r Repo) ListStoryDependencies(ctx context.Context, storyID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM story_dependencies WHERE story_id=? ORDER BY depends_on_id`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

type StoryFilters struct {
	BacklogID string
	Status    string
	Limit     int
}

func (r Repo) ListStories(ctx context.Context, f StoryFilters) ([]domain.Story, error) {
	var clauses []string
	var args []any
	if f.BacklogID != "" {
		clauses = append(clauses, "backlog_id=?")
		args = append(args, f.BacklogID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + storyColumns + ` FROM stories`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY priority ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryStories(ctx, query, args...)
}

// ListEligibleStories returns pending stories whose dependencies have
// all completed, ordered by priority then id for a deterministic pick.
func (r Repo) ListEligibleStories(ctx context.Context, backlogID string) ([]domain.Story, error) {
	query := `SELECT ` + storyColumns + ` FROM stories s
WHERE s.backlog_id=? AND s.status='pending'
AND NOT EXISTS (
    SELECT 1 FROM story_dependencies d
    JOIN stories dep ON dep.id = d.depends_on_id
    WHERE d.story_id = s.id AND dep.status != 'completed'
)
ORDER BY s.priority ASC, s.id ASC`
	return r.queryStories(ctx, query, backlogID)
}

func (r Repo) queryStories(ctx context.Context, query string, args ...any) ([]domain.Story, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListStoryDependencies(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) UpdateStoryTx(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	acc, err := marshalStringSlice(s.Acceptance)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status=?, acceptance_json=?, iterations=?, block_reason=?, updated_at=?, completed_at=? WHERE id=?`,
		s.Status, nullableStringPtr(acc), s.Iterations, nullableStringPtr(s.BlockReason), s.UpdatedAt, nullableStringPtr(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountStoriesByStatus(ctx context.Context, backlogID string) (domain.StatusCounts, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM stories WHERE backlog_id=? GROUP BY status`, backlogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := domain.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListActiveStories returns in_progress stories across all backlogs,
// used for the cross-track file overlap check.
func (r Repo) ListActiveStories(ctx context.Context) ([]domain.Story, error) {
	return r.queryStories(ctx, `SELECT `+storyColumns+` FROM stories WHERE status='in_progress' ORDER BY id ASC`)
}

// --- progress ledger ---

func (r Repo) AppendProgressTx(ctx context.Context, tx *sql.Tx, p domain.ProgressEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO progress_entries(backlog_id,story_id,iteration,outcome,learnings,gate_output,ts) VALUES (?,?,?,?,?,?,?)`,
		p.BacklogID, p.StoryID, p.Iteration, p.Outcome, nullable(p.Learnings), nullable(p.GateOutput), p.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type ProgressFilters struct {
	BacklogID string
	StoryID   string
	Limit     int
}

func (r Repo) ListProgress(ctx context.Context, f ProgressFilters) ([]domain.ProgressEntry, error) {
	var clauses []string
	var args []any
	if f.BacklogID != "" {
		clauses = append(clauses, "backlog_id=?")
		args = append(args, f.BacklogID)
	}
	if f.StoryID != "" {
		clauses = append(clauses, "story_id=?")
		args = append(args, f.StoryID)
	}
	query := `SELECT id,backlog_id,story_id,iteration,outcome,COALESCE(learnings,''),COALESCE(gate_output,''),ts FROM progress_entries`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query = strings.Replace(query, "ORDER BY id ASC", "ORDER BY id DESC LIMIT ?", 1)
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEntry
	for rows.Next() {
		var p domain.ProgressEntry
		if err := rows.Scan(&p.ID, &p.BacklogID, &p.StoryID, &p.Iteration, &p.Outcome, &p.Learnings, &p.GateOutput, &p.TS); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		// newest-first query result back into chronological order
		for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
			res[i], res[j] = res[j], res[i]
		}
	}
	return res, nil
}

// --- signals ---

func (r Repo) InsertSignalTx(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signals(id,story_id,token,ts) VALUES (?,?,?,?)`,
		s.ID, nullable(s.StoryID), s.Token, s.TS)
	return err
}

func (r Repo) SignalEmitted(ctx context.Context, token string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM signals WHERE token=? LIMIT 1`, token).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListSignals(ctx context.Context, limit int) ([]domain.Signal, error) {
	// rowid reflects insertion order; ts alone ties within a second
	query := `SELECT id,COALESCE(story_id,''),token,ts FROM signals ORDER BY rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		var s domain.Signal
		if err := rows.Scan(&s.ID, &s.StoryID, &s.Token, &s.TS); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, backlogID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{}
	args := []any{}
	if backlogID != "" {
		clauses = append(clauses, "backlog_id=?")
		args = append(args, backlogID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,COALESCE(backlog_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BacklogID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with an id greater than
// cursor, oldest first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(backlog_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC`
	args := []any{cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BacklogID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
