package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

// SQLiteStore is a durable Store backed by a single SQLite file.
//
// Writes run in IMMEDIATE transactions so the read-then-insert checks for
// loop indexes and checkpoint status see a consistent view.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the ledger database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return s, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loop_attempts (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		loop_index INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		summary TEXT NOT NULL,
		agent TEXT NOT NULL,
		guard_verdict TEXT NOT NULL,
		guard_score REAL NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		PRIMARY KEY (project_id, task_id, loop_index)
	);

	CREATE TABLE IF NOT EXISTS delegation_edges (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		depth INTEGER NOT NULL CHECK (depth >= 0),
		parent_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_edges_task ON delegation_edges(project_id, task_id);

	CREATE TABLE IF NOT EXISTS rejected_plans (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		loop_index INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		summary TEXT NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL,
		rejected_at TEXT NOT NULL,
		PRIMARY KEY (project_id, task_id, loop_index)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		resolved_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(project_id, task_id);

	CREATE TABLE IF NOT EXISTS failure_reports (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		loop_index INTEGER NOT NULL,
		failure_type TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		evidence TEXT NOT NULL,
		suggested_agent TEXT NOT NULL,
		patch_plan_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (project_id, task_id, loop_index)
	);

	CREATE TABLE IF NOT EXISTS advisories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		loop_index INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		score REAL NOT NULL,
		nearest_loop_index INTEGER NOT NULL,
		nearest_fingerprint TEXT NOT NULL,
		nearest_reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_advisories_task ON advisories(project_id, task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendAttempt implements AttemptLog.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, a LoopAttempt) error {
	return s.RecordAttempt(ctx, a, AttemptRecords{})
}

// RecordAttempt implements AttemptLog.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a LoopAttempt, recs AttemptRecords) error {
	if err := a.Task.Validate(); err != nil {
		return err
	}
	if a.Index < 0 {
		return integrity("append attempt", errors.ErrLoopIndexReused, "negative index %d", a.Index)
	}
	if a.Outcome == "" {
		a.Outcome = OutcomePending
	}
	if err := recs.validate(a.Task, a.Index); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(loop_index) FROM loop_attempts WHERE project_id = ? AND task_id = ?`,
			a.Task.ProjectID, a.Task.TaskID).Scan(&last)
		if err != nil {
			return fmt.Errorf("read last loop index: %w", err)
		}
		if last.Valid && int(last.Int64) >= a.Index {
			return integrity("append attempt", errors.ErrLoopIndexReused,
				"task %s index %d, last %d", a.Task, a.Index, last.Int64)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO loop_attempts (project_id, task_id, loop_index, fingerprint, summary, agent,
				guard_verdict, guard_score, started_at, finished_at, outcome)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Task.ProjectID, a.Task.TaskID, a.Index, a.Fingerprint.String(), a.Summary, a.Agent,
			string(a.GuardVerdict), a.GuardScore, formatTime(a.StartedAt), formatTime(a.FinishedAt), string(a.Outcome))
		if err != nil {
			return fmt.Errorf("insert loop attempt: %w", err)
		}
		return writeRecords(ctx, tx, recs)
	})
}

// SetOutcome implements AttemptLog.
func (s *SQLiteStore) SetOutcome(ctx context.Context, task TaskKey, index int, outcome Outcome, at time.Time) (LoopAttempt, error) {
	return s.CloseAttempt(ctx, task, index, outcome, at, AttemptRecords{})
}

// CloseAttempt implements AttemptLog.
func (s *SQLiteStore) CloseAttempt(ctx context.Context, task TaskKey, index int, outcome Outcome, at time.Time, recs AttemptRecords) (LoopAttempt, error) {
	if !outcome.IsTerminal() {
		return LoopAttempt{}, errors.NewValidationError("outcome must be terminal").WithField("outcome").WithValue(outcome)
	}
	if err := recs.validate(task, index); err != nil {
		return LoopAttempt{}, err
	}

	var out LoopAttempt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanAttempt(tx.QueryRowContext(ctx, attemptSelect+
			` WHERE project_id = ? AND task_id = ? AND loop_index = ?`, task.ProjectID, task.TaskID, index))
		if errors.Is(err, sql.ErrNoRows) {
			return attemptNotFound(task, index)
		}
		if err != nil {
			return fmt.Errorf("read loop attempt: %w", err)
		}
		if current.Outcome != OutcomePending {
			out = current
			return integrity("set outcome", errors.ErrOutcomeFinal,
				"task %s index %d is %s", task, index, current.Outcome)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE loop_attempts SET outcome = ?, finished_at = ?
			WHERE project_id = ? AND task_id = ? AND loop_index = ?`,
			string(outcome), formatTime(at), task.ProjectID, task.TaskID, index)
		if err != nil {
			return fmt.Errorf("update loop attempt: %w", err)
		}
		if err := writeRecords(ctx, tx, recs); err != nil {
			return err
		}
		current.Outcome = outcome
		current.FinishedAt = normalizeTime(at)
		out = current
		return nil
	})
	return out, err
}

// writeRecords inserts recs inside tx.
func writeRecords(ctx context.Context, tx *sql.Tx, recs AttemptRecords) error {
	if recs.Rejection != nil {
		if err := insertRejection(ctx, tx, *recs.Rejection); err != nil {
			return err
		}
	}
	if recs.Failure != nil {
		if err := insertFailure(ctx, tx, *recs.Failure); err != nil {
			return err
		}
	}
	if recs.Advisory != nil {
		return insertAdvisory(ctx, tx, *recs.Advisory)
	}
	return nil
}

const attemptSelect = `SELECT project_id, task_id, loop_index, fingerprint, summary, agent,
	guard_verdict, guard_score, started_at, finished_at, outcome FROM loop_attempts`

// Attempt implements AttemptLog.
func (s *SQLiteStore) Attempt(ctx context.Context, task TaskKey, index int) (LoopAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+
		` WHERE project_id = ? AND task_id = ? AND loop_index = ?`, task.ProjectID, task.TaskID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return LoopAttempt{}, attemptNotFound(task, index)
	}
	return a, err
}

// Attempts implements AttemptLog.
func (s *SQLiteStore) Attempts(ctx context.Context, task TaskKey) ([]LoopAttempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelect+
		` WHERE project_id = ? AND task_id = ? ORDER BY loop_index`, task.ProjectID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("query loop attempts: %w", err)
	}
	defer rows.Close()

	var out []LoopAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendEdge implements EdgeLog.
func (s *SQLiteStore) AppendEdge(ctx context.Context, e DelegationEdge, maxDepth int) error {
	if err := e.Task.Validate(); err != nil {
		return err
	}
	if err := requireID("edge", e.ID); err != nil {
		return err
	}
	if e.Depth < 0 {
		return errors.NewValidationError("depth must not be negative").WithField("depth").WithValue(e.Depth)
	}
	if e.Depth > maxDepth {
		return integrity("append edge", errors.ErrDepthExceeded, "depth %d, ceiling %d", e.Depth, maxDepth)
	}
	return s.insertUnique(ctx, "append edge", "edge "+e.ID,
		`SELECT COUNT(*) FROM delegation_edges WHERE id = ?`, []any{e.ID}, `
		INSERT INTO delegation_edges (id, project_id, task_id, from_agent, to_agent, depth, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Task.ProjectID, e.Task.TaskID, e.From, e.To, e.Depth, e.ParentID, formatTime(e.CreatedAt))
}

// Edges implements EdgeLog.
func (s *SQLiteStore) Edges(ctx context.Context, task TaskKey) ([]DelegationEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, depth, parent_id, created_at
		FROM delegation_edges WHERE project_id = ? AND task_id = ? ORDER BY rowid`,
		task.ProjectID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("query delegation edges: %w", err)
	}
	defer rows.Close()

	var out []DelegationEdge
	for rows.Next() {
		e := DelegationEdge{Task: task}
		var created string
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Depth, &e.ParentID, &created); err != nil {
			return nil, fmt.Errorf("scan delegation edge: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendRejection implements RejectionLog.
func (s *SQLiteStore) AppendRejection(ctx context.Context, r RejectedPlan) error {
	if err := r.Task.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error { return insertRejection(ctx, tx, r) })
}

func insertRejection(ctx context.Context, tx *sql.Tx, r RejectedPlan) error {
	return insertUniqueTx(ctx, tx, "append rejection", fmt.Sprintf("task %s index %d already rejected", r.Task, r.LoopIndex),
		`SELECT COUNT(*) FROM rejected_plans WHERE project_id = ? AND task_id = ? AND loop_index = ?`,
		[]any{r.Task.ProjectID, r.Task.TaskID, r.LoopIndex}, `
		INSERT INTO rejected_plans (project_id, task_id, loop_index, fingerprint, summary, reason, source, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Task.ProjectID, r.Task.TaskID, r.LoopIndex, r.Fingerprint.String(), r.Summary, r.Reason,
		string(r.Source), formatTime(r.RejectedAt))
}

// Rejections implements RejectionLog.
func (s *SQLiteStore) Rejections(ctx context.Context, task TaskKey) ([]RejectedPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT loop_index, fingerprint, summary, reason, source, rejected_at
		FROM rejected_plans WHERE project_id = ? AND task_id = ? ORDER BY rowid`,
		task.ProjectID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("query rejected plans: %w", err)
	}
	defer rows.Close()

	var out []RejectedPlan
	for rows.Next() {
		r := RejectedPlan{Task: task}
		var fp, source, rejected string
		if err := rows.Scan(&r.LoopIndex, &fp, &r.Summary, &r.Reason, &source, &rejected); err != nil {
			return nil, fmt.Errorf("scan rejected plan: %w", err)
		}
		r.Source = RejectionSource(source)
		if r.Fingerprint, err = plan.ParseDigest(fp); err != nil {
			return nil, err
		}
		if r.RejectedAt, err = parseTime(rejected); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const checkpointSelect = `SELECT id, project_id, task_id, name, kind, status, note, created_at, resolved_at FROM checkpoints`

// AppendCheckpoint implements CheckpointLog.
func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, c Checkpoint) error {
	if err := c.Task.Validate(); err != nil {
		return err
	}
	if err := requireID("checkpoint", c.ID); err != nil {
		return err
	}
	return s.insertUnique(ctx, "append checkpoint", "checkpoint "+c.ID,
		`SELECT COUNT(*) FROM checkpoints WHERE id = ?`, []any{c.ID}, `
		INSERT INTO checkpoints (id, project_id, task_id, name, kind, status, note, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Task.ProjectID, c.Task.TaskID, c.Name, string(c.Kind), string(c.Status), c.Note,
		formatTime(c.CreatedAt), formatTime(c.ResolvedAt))
}

// ResolveCheckpoint implements CheckpointLog.
func (s *SQLiteStore) ResolveCheckpoint(ctx context.Context, id string, status CheckpointStatus, note string, at time.Time) (Checkpoint, error) {
	if !status.IsTerminal() {
		return Checkpoint{}, errors.NewValidationError("status must be approved or rejected").WithField("status").WithValue(status)
	}

	var out Checkpoint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCheckpoint(tx.QueryRowContext(ctx, checkpointSelect+` WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return checkpointNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if c.Status != CheckpointPending {
			out = c
			return integrity("resolve checkpoint", errors.ErrCheckpointResolved, "checkpoint %s is %s", id, c.Status)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE checkpoints SET status = ?, note = ?, resolved_at = ? WHERE id = ?`,
			string(status), note, formatTime(at), id); err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
		c.Status = status
		c.Note = note
		c.ResolvedAt = normalizeTime(at)
		out = c
		return nil
	})
	return out, err
}

// Checkpoint implements CheckpointLog.
func (s *SQLiteStore) Checkpoint(ctx context.Context, id string) (Checkpoint, error) {
	c, err := scanCheckpoint(s.db.QueryRowContext(ctx, checkpointSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, checkpointNotFound(id)
	}
	return c, err
}

// Checkpoints implements CheckpointLog.
func (s *SQLiteStore) Checkpoints(ctx context.Context, task TaskKey) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, checkpointSelect+
		` WHERE project_id = ? AND task_id = ? ORDER BY rowid`, task.ProjectID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendFailure implements FailureLog.
func (s *SQLiteStore) AppendFailure(ctx context.Context, f FailureReport) error {
	if err := f.Task.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error { return insertFailure(ctx, tx, f) })
}

func insertFailure(ctx context.Context, tx *sql.Tx, f FailureReport) error {
	steps := f.PatchPlan
	if steps == nil {
		steps = []string{}
	}
	planJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode patch plan: %w", err)
	}
	return insertUniqueTx(ctx, tx, "append failure", fmt.Sprintf("task %s index %d already has a failure report", f.Task, f.LoopIndex),
		`SELECT COUNT(*) FROM failure_reports WHERE project_id = ? AND task_id = ? AND loop_index = ?`,
		[]any{f.Task.ProjectID, f.Task.TaskID, f.LoopIndex}, `
		INSERT INTO failure_reports (project_id, task_id, loop_index, failure_type, rule_id, evidence,
			suggested_agent, patch_plan_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Task.ProjectID, f.Task.TaskID, f.LoopIndex, f.Type, f.RuleID, f.Evidence,
		f.SuggestedAgent, string(planJSON), formatTime(f.CreatedAt))
}

// Failures implements FailureLog.
func (s *SQLiteStore) Failures(ctx context.Context, task TaskKey) ([]FailureReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT loop_index, failure_type, rule_id, evidence, suggested_agent, patch_plan_json, created_at
		FROM failure_reports WHERE project_id = ? AND task_id = ? ORDER BY rowid`,
		task.ProjectID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("query failure reports: %w", err)
	}
	defer rows.Close()

	var out []FailureReport
	for rows.Next() {
		f := FailureReport{Task: task}
		var planJSON, created string
		if err := rows.Scan(&f.LoopIndex, &f.Type, &f.RuleID, &f.Evidence, &f.SuggestedAgent, &planJSON, &created); err != nil {
			return nil, fmt.Errorf("scan failure report: %w", err)
		}
		if err := json.Unmarshal([]byte(planJSON), &f.PatchPlan); err != nil {
			return nil, fmt.Errorf("decode patch plan: %w", err)
		}
		if f.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AppendAdvisory implements AdvisoryLog.
func (s *SQLiteStore) AppendAdvisory(ctx context.Context, a Advisory) error {
	if err := a.Task.Validate(); err != nil {
		return err
	}
	if err := requireID("advisory", a.ID); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error { return insertAdvisory(ctx, tx, a) })
}

func insertAdvisory(ctx context.Context, tx *sql.Tx, a Advisory) error {
	return insertUniqueTx(ctx, tx, "append advisory", "advisory "+a.ID,
		`SELECT COUNT(*) FROM advisories WHERE id = ?`, []any{a.ID}, `
		INSERT INTO advisories (id, project_id, task_id, loop_index, verdict, score,
			nearest_loop_index, nearest_fingerprint, nearest_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Task.ProjectID, a.Task.TaskID, a.LoopIndex, string(a.Verdict), a.Score,
		a.NearestLoopIndex, a.NearestFingerprint.String(), a.NearestReason, formatTime(a.CreatedAt))
}

// Advisories implements AdvisoryLog.
func (s *SQLiteStore) Advisories(ctx context.Context, task TaskKey) ([]Advisory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loop_index, verdict, score, nearest_loop_index, nearest_fingerprint, nearest_reason, created_at
		FROM advisories WHERE project_id = ? AND task_id = ? ORDER BY rowid`,
		task.ProjectID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("query advisories: %w", err)
	}
	defer rows.Close()

	var out []Advisory
	for rows.Next() {
		a := Advisory{Task: task}
		var verdict, fp, created string
		if err := rows.Scan(&a.ID, &a.LoopIndex, &verdict, &a.Score, &a.NearestLoopIndex, &fp, &a.NearestReason, &created); err != nil {
			return nil, fmt.Errorf("scan advisory: %w", err)
		}
		a.Verdict = Verdict(verdict)
		if a.NearestFingerprint, err = plan.ParseDigest(fp); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Tasks implements Store.
func (s *SQLiteStore) Tasks(ctx context.Context) ([]TaskKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, task_id FROM loop_attempts
		UNION SELECT project_id, task_id FROM delegation_edges
		UNION SELECT project_id, task_id FROM rejected_plans
		UNION SELECT project_id, task_id FROM checkpoints
		UNION SELECT project_id, task_id FROM failure_reports
		UNION SELECT project_id, task_id FROM advisories
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskKey
	for rows.Next() {
		var k TaskKey
		if err := rows.Scan(&k.ProjectID, &k.TaskID); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertUnique runs insertUniqueTx in its own transaction.
func (s *SQLiteStore) insertUnique(ctx context.Context, op, what, probe string, probeArgs []any, insert string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertUniqueTx(ctx, tx, op, what, probe, probeArgs, insert, args...)
	})
}

// insertUniqueTx runs probe and fails with a duplicate record integrity
// error if it counts any row; otherwise it runs insert.
func insertUniqueTx(ctx context.Context, tx *sql.Tx, op, what, probe string, probeArgs []any, insert string, args ...any) error {
	var n int
	if err := tx.QueryRowContext(ctx, probe, probeArgs...).Scan(&n); err != nil {
		return errors.Wrap(err, op)
	}
	if n > 0 {
		return integrity(op, errors.ErrDuplicateRecord, "%s", what)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (LoopAttempt, error) {
	var (
		a                    LoopAttempt
		fp, verdict, outcome string
		started, finished    string
	)
	err := row.Scan(&a.Task.ProjectID, &a.Task.TaskID, &a.Index, &fp, &a.Summary, &a.Agent,
		&verdict, &a.GuardScore, &started, &finished, &outcome)
	if err != nil {
		return LoopAttempt{}, err
	}
	a.GuardVerdict = Verdict(verdict)
	a.Outcome = Outcome(outcome)
	if a.Fingerprint, err = plan.ParseDigest(fp); err != nil {
		return LoopAttempt{}, err
	}
	if a.StartedAt, err = parseTime(started); err != nil {
		return LoopAttempt{}, err
	}
	if a.FinishedAt, err = parseTime(finished); err != nil {
		return LoopAttempt{}, err
	}
	return a, nil
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		c                 Checkpoint
		kind, status      string
		created, resolved string
	)
	err := row.Scan(&c.ID, &c.Task.ProjectID, &c.Task.TaskID, &c.Name, &kind, &status, &c.Note, &created, &resolved)
	if err != nil {
		return Checkpoint{}, err
	}
	c.Kind = CheckpointKind(kind)
	c.Status = CheckpointStatus(status)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Checkpoint{}, err
	}
	if c.ResolvedAt, err = parseTime(resolved); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse ledger timestamp %q", s)
	}
	return t, nil
}

var _ Store = (*SQLiteStore)(nil)
