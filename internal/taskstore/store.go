// Package taskstore keeps a SQLite index of finished task runs and the
// attempts they made, for listing without walking the history directory.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// Run is one finished top-level task
type Run struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	Mode       domain.Mode `json:"mode"`
	TargetID   string      `json:"target_id"`
	QueueID    string      `json:"queue_id,omitempty"`
	ScriptID   string      `json:"script_id,omitempty"`
	Outcome    string      `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Attempts   []Attempt   `json:"attempts,omitempty"`
}

// Attempt is one log record of a run
type Attempt struct {
	ScriptID   string            `json:"script_id"`
	Script     string            `json:"script"`
	UserID     string            `json:"user_id"`
	User       string            `json:"user"`
	Phase      domain.Phase      `json:"phase"`
	Attempt    int               `json:"attempt"`
	Status     domain.ResultKind `json:"status"`
	Detail     string            `json:"detail,omitempty"`
	JudgedBy   string            `json:"judged_by,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// FromSnapshot flattens a finished task into a Run
func FromSnapshot(snap domain.TaskSnapshot, outcome domain.RunStatus, runErr error, finishedAt time.Time) Run {
	r := Run{
		TaskID:     snap.ID,
		Mode:       snap.Mode,
		TargetID:   snap.TargetID,
		QueueID:    snap.QueueID,
		ScriptID:   snap.ScriptID,
		Outcome:    string(outcome),
		StartedAt:  snap.CreatedAt,
		FinishedAt: finishedAt,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	for _, s := range snap.Scripts {
		for _, u := range s.Users {
			for _, rec := range u.Records() {
				a := Attempt{
					ScriptID:   s.ScriptID,
					Script:     s.Name,
					UserID:     u.UserID,
					User:       u.Name,
					Phase:      rec.Phase,
					Attempt:    rec.Attempt,
					Status:     rec.Status.Kind,
					Detail:     rec.Status.Detail,
					StartedAt:  rec.StartedAt,
					FinishedAt: rec.FinishedAt,
				}
				if rec.Judgment != nil {
					a.JudgedBy = rec.Judgment.Provider
				}
				r.Attempts = append(r.Attempts, a)
			}
		}
	}
	return r
}

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun inserts run and its attempts in one transaction. An empty ID
// is filled in and returned.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, mode, target_id, queue_id, script_id, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.TaskID,
		string(run.Mode),
		run.TargetID,
		run.QueueID,
		run.ScriptID,
		run.Outcome,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting run %s: %w", run.TaskID, err)
	}

	for _, a := range run.Attempts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (run_id, script_id, script, user_id, user_name, phase, attempt, status, detail, judged_by, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID, a.ScriptID, a.Script, a.UserID, a.User, string(a.Phase), a.Attempt,
			string(a.Status), a.Detail, a.JudgedBy, a.StartedAt, a.FinishedAt,
		)
		if err != nil {
			return "", fmt.Errorf("inserting attempt of %s: %w", a.User, err)
		}
	}

	return run.ID, tx.Commit()
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	TaskID  string
	Mode    domain.Mode
	Outcome string
	Since   time.Time
	Limit   int
}

// ListRuns returns runs newest first, without their attempts
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	query := `SELECT id, task_id, mode, target_id, queue_id, script_id, outcome, error, started_at, finished_at FROM task_runs WHERE 1=1`
	var args []interface{}

	if opts.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, opts.TaskID)
	}
	if opts.Mode != "" {
		query += " AND mode = ?"
		args = append(args, string(opts.Mode))
	}
	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its attempts
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, mode, target_id, queue_id, script_id, outcome, error, started_at, finished_at
		FROM task_runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	r.Attempts, err = s.attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT script_id, script, user_id, user_name, phase, attempt, status, detail, judged_by, started_at, finished_at
		FROM attempts WHERE run_id = ? ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a                                      Attempt
			script, userID, user, detail, judgedBy sql.NullString
			phase, status                          string
			finished                               sql.NullTime
		)
		if err := rows.Scan(&a.ScriptID, &script, &userID, &user, &phase, &a.Attempt, &status, &detail, &judgedBy, &a.StartedAt, &finished); err != nil {
			return nil, err
		}
		a.Script, a.UserID, a.User = script.String, userID.String, user.String
		a.Detail, a.JudgedBy = detail.String, judgedBy.String
		a.Phase = domain.Phase(phase)
		a.Status = domain.ResultKind(status)
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes runs that started before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                          Run
		mode                       string
		queueID, scriptID, errText sql.NullString
	)
	err := row.Scan(&r.ID, &r.TaskID, &mode, &r.TargetID, &queueID, &scriptID, &r.Outcome, &errText, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return Run{}, err
	}
	r.Mode = domain.Mode(mode)
	r.QueueID, r.ScriptID, r.Error = queueID.String, scriptID.String, errText.String
	return r, nil
}
