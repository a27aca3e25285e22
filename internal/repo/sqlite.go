package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	target_event_date DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS buckets (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	order_hint TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	bucket_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'NotStarted',
	percent_complete INTEGER NOT NULL DEFAULT 0,
	start DATETIME,
	due DATETIME,
	completed_at DATETIME,
	priority INTEGER NOT NULL DEFAULT 0,
	assignees TEXT NOT NULL DEFAULT '[]',
	categories TEXT NOT NULL DEFAULT '[]',
	order_hint TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	completed_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subtasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	checked INTEGER NOT NULL DEFAULT 0,
	order_hint TEXT NOT NULL DEFAULT '',
	modified_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dependencies (
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	predecessor_id TEXT NOT NULL,
	successor_id TEXT NOT NULL,
	"type" TEXT NOT NULL DEFAULT 'FS',
	PRIMARY KEY (plan_id, predecessor_id, successor_id)
);

CREATE TABLE IF NOT EXISTS historical_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	bucket_name TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL DEFAULT '',
	planned_duration_days REAL NOT NULL DEFAULT 0,
	actual_duration_days REAL NOT NULL DEFAULT 0,
	assignee_ids TEXT NOT NULL DEFAULT '[]',
	terminal_state TEXT NOT NULL DEFAULT '',
	block_count INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_locks (
	plan_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	holder TEXT NOT NULL,
	acquired_at DATETIME NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	PRIMARY KEY (plan_id, task_id)
);

CREATE TABLE IF NOT EXISTS external_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'low',
	affected_task_ids TEXT NOT NULL DEFAULT '[]',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	acknowledged_at DATETIME
);

CREATE TABLE IF NOT EXISTS proposed_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL,
	external_event_id INTEGER,
	target_task_id TEXT NOT NULL DEFAULT '',
	action_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	decided_at DATETIME,
	decided_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
`

// queryer is satisfied by both *sql.DB and *sql.Tx, letting base's methods
// run identically whether called outside or inside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// base implements the whole Repository/Tx surface against a queryer; it
// holds no transaction semantics of its own.
type base struct {
	q queryer
}

// SQLiteRepository is the reference modernc.org/sqlite-backed Repository.
type SQLiteRepository struct {
	base
	db *sql.DB
}

// Open creates (or reuses) a sqlite database file at path and ensures schema.
func Open(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repo: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer sqlite file; avoid SQLITE_BUSY under concurrent callers

	r := &SQLiteRepository{base: base{q: db}, db: db}
	if err := r.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, pragmaJournalModeWAL); err != nil {
		return fmt.Errorf("repo: set journal mode: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, pragmaForeignKeysOn); err != nil {
		return fmt.Errorf("repo: enable foreign keys: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("repo: create schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

// Begin opens a unit-of-work backed by a real sqlite transaction.
func (r *SQLiteRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("repo: begin tx: %w", err)
	}
	return &sqliteTx{base: base{q: tx}, tx: tx}, nil
}

// sqliteTx is a Repository/Tx scoped to one *sql.Tx.
type sqliteTx struct {
	base
	tx *sql.Tx
}

func (t *sqliteTx) Begin(ctx context.Context) (Tx, error) {
	return nil, fmt.Errorf("repo: nested transactions are not supported")
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// --- reads ---

func (b *base) LoadPlan(ctx context.Context, planID string) (PlanSnapshot, error) {
	plan, err := b.getPlan(ctx, planID)
	if err != nil {
		return PlanSnapshot{}, err
	}
	buckets, err := b.listBuckets(ctx, planID)
	if err != nil {
		return PlanSnapshot{}, err
	}
	tasks, err := b.listTasks(ctx, planID)
	if err != nil {
		return PlanSnapshot{}, err
	}
	subtasks, err := b.listSubtasks(ctx, planID)
	if err != nil {
		return PlanSnapshot{}, err
	}
	deps, err := b.listDependencies(ctx, planID)
	if err != nil {
		return PlanSnapshot{}, err
	}
	return PlanSnapshot{Plan: plan, Buckets: buckets, Tasks: tasks, Subtasks: subtasks, Dependencies: deps}, nil
}

func (b *base) getPlan(ctx context.Context, planID string) (model.Plan, error) {
	row := b.q.QueryRowContext(ctx, `SELECT id, name, target_event_date, created_at, updated_at FROM plans WHERE id = ?`, planID)
	var p model.Plan
	var targetEventDate sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &targetEventDate, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Plan{}, perr.NewNotFound("Plan", planID)
		}
		return model.Plan{}, fmt.Errorf("repo: get plan: %w", err)
	}
	if targetEventDate.Valid {
		p.TargetEventDate = &targetEventDate.Time
	}
	return p, nil
}

func (b *base) ListPlans(ctx context.Context) ([]model.Plan, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT id, name, target_event_date, created_at, updated_at FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("repo: list plans: %w", err)
	}
	defer rows.Close()

	var out []model.Plan
	for rows.Next() {
		var p model.Plan
		var targetEventDate sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &targetEventDate, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan plan: %w", err)
		}
		if targetEventDate.Valid {
			p.TargetEventDate = &targetEventDate.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *base) listBuckets(ctx context.Context, planID string) ([]model.Bucket, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT id, plan_id, name, order_hint FROM buckets WHERE plan_id = ? ORDER BY order_hint, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list buckets: %w", err)
	}
	defer rows.Close()

	var out []model.Bucket
	for rows.Next() {
		var bk model.Bucket
		if err := rows.Scan(&bk.ID, &bk.PlanID, &bk.Name, &bk.OrderHint); err != nil {
			return nil, fmt.Errorf("repo: scan bucket: %w", err)
		}
		out = append(out, bk)
	}
	return out, rows.Err()
}

const taskColumns = `id, plan_id, bucket_id, title, description, status, percent_complete, start, due, completed_at, priority, assignees, categories, order_hint, created_at, updated_at, created_by, completed_by`

func scanTask(row interface{ Scan(dest ...any) error }) (model.Task, error) {
	var t model.Task
	var start, due, completedAt sql.NullTime
	var assigneesJSON, categoriesJSON string
	if err := row.Scan(&t.ID, &t.PlanID, &t.BucketID, &t.Title, &t.Description, &t.Status, &t.PercentComplete,
		&start, &due, &completedAt, &t.Priority, &assigneesJSON, &categoriesJSON, &t.OrderHint,
		&t.CreatedAt, &t.UpdatedAt, &t.CreatedBy, &t.CompletedBy); err != nil {
		return model.Task{}, err
	}
	if start.Valid {
		t.Start = &start.Time
	}
	if due.Valid {
		t.Due = &due.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(assigneesJSON), &t.Assignees); err != nil {
		return model.Task{}, fmt.Errorf("repo: unmarshal assignees: %w", err)
	}
	if err := json.Unmarshal([]byte(categoriesJSON), &t.Categories); err != nil {
		return model.Task{}, fmt.Errorf("repo: unmarshal categories: %w", err)
	}
	return t, nil
}

func (b *base) listTasks(ctx context.Context, planID string) ([]model.Task, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY id`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("repo: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *base) listSubtasks(ctx context.Context, planID string) ([]model.Subtask, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT id, plan_id, task_id, title, checked, order_hint, modified_at FROM subtasks WHERE plan_id = ? ORDER BY task_id, order_hint, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list subtasks: %w", err)
	}
	defer rows.Close()

	var out []model.Subtask
	for rows.Next() {
		var s model.Subtask
		if err := rows.Scan(&s.ID, &s.PlanID, &s.TaskID, &s.Title, &s.Checked, &s.OrderHint, &s.ModifiedAt); err != nil {
			return nil, fmt.Errorf("repo: scan subtask: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *base) listDependencies(ctx context.Context, planID string) ([]model.Dependency, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT plan_id, predecessor_id, successor_id, "type" FROM dependencies WHERE plan_id = ? ORDER BY predecessor_id, successor_id`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list dependencies: %w", err)
	}
	defer rows.Close()

	var out []model.Dependency
	for rows.Next() {
		var d model.Dependency
		if err := rows.Scan(&d.PlanID, &d.PredecessorID, &d.SuccessorID, &d.Type); err != nil {
			return nil, fmt.Errorf("repo: scan dependency: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *base) ListHistoricalSamples(ctx context.Context, bucketID string) ([]model.HistoricalSample, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT plan_id, task_id, bucket_name, task_type, planned_duration_days, actual_duration_days, assignee_ids, terminal_state, block_count, completed_at
		FROM historical_samples WHERE bucket_name = ? ORDER BY completed_at`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("repo: list historical samples: %w", err)
	}
	defer rows.Close()

	var out []model.HistoricalSample
	for rows.Next() {
		var s model.HistoricalSample
		var assigneesJSON string
		if err := rows.Scan(&s.PlanID, &s.TaskID, &s.BucketName, &s.TaskType, &s.PlannedDurationDays, &s.ActualDurationDays,
			&assigneesJSON, &s.TerminalState, &s.BlockCount, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("repo: scan historical sample: %w", err)
		}
		if err := json.Unmarshal([]byte(assigneesJSON), &s.AssigneeIDs); err != nil {
			return nil, fmt.Errorf("repo: unmarshal assignee ids: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *base) RecordHistoricalSample(ctx context.Context, s model.HistoricalSample) error {
	assigneesJSON, err := json.Marshal(s.AssigneeIDs)
	if err != nil {
		return fmt.Errorf("repo: marshal assignee ids: %w", err)
	}
	_, err = b.q.ExecContext(ctx, `INSERT INTO historical_samples
		(plan_id, task_id, bucket_name, task_type, planned_duration_days, actual_duration_days, assignee_ids, terminal_state, block_count, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.PlanID, s.TaskID, s.BucketName, s.TaskType, s.PlannedDurationDays, s.ActualDurationDays, string(assigneesJSON), s.TerminalState, s.BlockCount, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("repo: record historical sample: %w", err)
	}
	return nil
}

func (b *base) GetLock(ctx context.Context, planID, taskID string) (model.TaskLock, bool, error) {
	row := b.q.QueryRowContext(ctx, `SELECT plan_id, task_id, holder, acquired_at, ttl_seconds FROM task_locks WHERE plan_id = ? AND task_id = ?`, planID, taskID)
	var l model.TaskLock
	var ttlSeconds int64
	if err := row.Scan(&l.PlanID, &l.TaskID, &l.Holder, &l.AcquiredAt, &ttlSeconds); err != nil {
		if err == sql.ErrNoRows {
			return model.TaskLock{}, false, nil
		}
		return model.TaskLock{}, false, fmt.Errorf("repo: get lock: %w", err)
	}
	l.TTL = time.Duration(ttlSeconds) * time.Second
	return l, true, nil
}

func (b *base) PutLock(ctx context.Context, l model.TaskLock) error {
	_, err := b.q.ExecContext(ctx, `INSERT INTO task_locks (plan_id, task_id, holder, acquired_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (plan_id, task_id) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at, ttl_seconds = excluded.ttl_seconds`,
		l.PlanID, l.TaskID, l.Holder, l.AcquiredAt, int64(l.TTL/time.Second))
	if err != nil {
		return fmt.Errorf("repo: put lock: %w", err)
	}
	return nil
}

func (b *base) DeleteLock(ctx context.Context, planID, taskID string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM task_locks WHERE plan_id = ? AND task_id = ?`, planID, taskID)
	if err != nil {
		return fmt.Errorf("repo: delete lock: %w", err)
	}
	return nil
}

func (b *base) ListEvents(ctx context.Context, planID string) ([]model.ExternalEvent, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT id, plan_id, event_type, title, description, severity, affected_task_ids, payload, created_at, acknowledged_at
		FROM external_events WHERE plan_id = ? ORDER BY created_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list events: %w", err)
	}
	defer rows.Close()

	var out []model.ExternalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row interface{ Scan(dest ...any) error }) (model.ExternalEvent, error) {
	var e model.ExternalEvent
	var affectedJSON, payloadJSON string
	var acknowledgedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.PlanID, &e.EventType, &e.Title, &e.Description, &e.Severity, &affectedJSON, &payloadJSON, &e.CreatedAt, &acknowledgedAt); err != nil {
		return model.ExternalEvent{}, fmt.Errorf("repo: scan event: %w", err)
	}
	if acknowledgedAt.Valid {
		e.AcknowledgedAt = &acknowledgedAt.Time
	}
	if err := json.Unmarshal([]byte(affectedJSON), &e.AffectedTaskIDs); err != nil {
		return model.ExternalEvent{}, fmt.Errorf("repo: unmarshal affected task ids: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return model.ExternalEvent{}, fmt.Errorf("repo: unmarshal event payload: %w", err)
	}
	return e, nil
}

func (b *base) PutEvent(ctx context.Context, e model.ExternalEvent) (int64, error) {
	affectedJSON, err := json.Marshal(e.AffectedTaskIDs)
	if err != nil {
		return 0, fmt.Errorf("repo: marshal affected task ids: %w", err)
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("repo: marshal event payload: %w", err)
	}

	if e.ID != 0 {
		_, err := b.q.ExecContext(ctx, `UPDATE external_events SET event_type=?, title=?, description=?, severity=?, affected_task_ids=?, payload=?, acknowledged_at=? WHERE id=?`,
			e.EventType, e.Title, e.Description, e.Severity, string(affectedJSON), string(payloadJSON), e.AcknowledgedAt, e.ID)
		if err != nil {
			return 0, fmt.Errorf("repo: update event: %w", err)
		}
		return e.ID, nil
	}

	res, err := b.q.ExecContext(ctx, `INSERT INTO external_events (plan_id, event_type, title, description, severity, affected_task_ids, payload, created_at, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PlanID, e.EventType, e.Title, e.Description, e.Severity, string(affectedJSON), string(payloadJSON), e.CreatedAt, e.AcknowledgedAt)
	if err != nil {
		return 0, fmt.Errorf("repo: insert event: %w", err)
	}
	return res.LastInsertId()
}

func (b *base) DeleteEvent(ctx context.Context, planID string, eventID int64) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM external_events WHERE plan_id = ? AND id = ?`, planID, eventID)
	if err != nil {
		return fmt.Errorf("repo: delete event: %w", err)
	}
	return nil
}

func (b *base) ListProposedActions(ctx context.Context, planID string) ([]model.ProposedAction, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT id, plan_id, external_event_id, target_task_id, action_type, title, description, payload, status, created_at, decided_at, decided_by
		FROM proposed_actions WHERE plan_id = ? ORDER BY created_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list proposed actions: %w", err)
	}
	defer rows.Close()

	var out []model.ProposedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAction(row interface{ Scan(dest ...any) error }) (model.ProposedAction, error) {
	var a model.ProposedAction
	var externalEventID sql.NullInt64
	var payloadJSON string
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.PlanID, &externalEventID, &a.TargetTaskID, &a.ActionType, &a.Title, &a.Description, &payloadJSON, &a.Status, &a.CreatedAt, &decidedAt, &a.DecidedBy); err != nil {
		return model.ProposedAction{}, fmt.Errorf("repo: scan proposed action: %w", err)
	}
	if externalEventID.Valid {
		a.ExternalEventID = &externalEventID.Int64
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
		return model.ProposedAction{}, fmt.Errorf("repo: unmarshal action payload: %w", err)
	}
	return a, nil
}

func (b *base) PutProposedAction(ctx context.Context, a model.ProposedAction) (int64, error) {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return 0, fmt.Errorf("repo: marshal action payload: %w", err)
	}

	if a.ID != 0 {
		_, err := b.q.ExecContext(ctx, `UPDATE proposed_actions SET status=?, decided_at=?, decided_by=? WHERE id=?`,
			a.Status, a.DecidedAt, a.DecidedBy, a.ID)
		if err != nil {
			return 0, fmt.Errorf("repo: update proposed action: %w", err)
		}
		return a.ID, nil
	}

	res, err := b.q.ExecContext(ctx, `INSERT INTO proposed_actions (plan_id, external_event_id, target_task_id, action_type, title, description, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PlanID, a.ExternalEventID, a.TargetTaskID, a.ActionType, a.Title, a.Description, string(payloadJSON), a.Status, a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("repo: insert proposed action: %w", err)
	}
	return res.LastInsertId()
}

func (b *base) DeleteProposedAction(ctx context.Context, planID string, actionID int64) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM proposed_actions WHERE plan_id = ? AND id = ?`, planID, actionID)
	if err != nil {
		return fmt.Errorf("repo: delete proposed action: %w", err)
	}
	return nil
}

func (b *base) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	_, err := b.q.ExecContext(ctx, `INSERT INTO audit_log (plan_id, actor, action, target_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.PlanID, entry.Actor, entry.Action, entry.TargetID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("repo: append audit entry: %w", err)
	}
	return nil
}

func (b *base) ListAuditEntries(ctx context.Context, planID string) ([]model.AuditEntry, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT id, plan_id, actor, action, target_id, created_at
		FROM audit_log WHERE plan_id = ? ORDER BY created_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("repo: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Actor, &e.Action, &e.TargetID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- writes (Tx only, via *sqliteTx embedding *base) ---

func (b *base) CreatePlan(ctx context.Context, p model.Plan) error {
	_, err := b.q.ExecContext(ctx, `INSERT INTO plans (id, name, target_event_date, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.TargetEventDate, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repo: create plan: %w", err)
	}
	return nil
}

func (b *base) UpdatePlan(ctx context.Context, p model.Plan) error {
	res, err := b.q.ExecContext(ctx, `UPDATE plans SET name=?, target_event_date=?, updated_at=? WHERE id=?`,
		p.Name, p.TargetEventDate, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("repo: update plan: %w", err)
	}
	return requireAffected(res, "Plan", p.ID)
}

func (b *base) DeletePlan(ctx context.Context, planID string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, planID)
	if err != nil {
		return fmt.Errorf("repo: delete plan: %w", err)
	}
	return nil
}

func (b *base) CreateBucket(ctx context.Context, bk model.Bucket) error {
	_, err := b.q.ExecContext(ctx, `INSERT INTO buckets (id, plan_id, name, order_hint) VALUES (?, ?, ?, ?)`,
		bk.ID, bk.PlanID, bk.Name, bk.OrderHint)
	if err != nil {
		return fmt.Errorf("repo: create bucket: %w", err)
	}
	return nil
}

func (b *base) UpdateBucket(ctx context.Context, bk model.Bucket) error {
	res, err := b.q.ExecContext(ctx, `UPDATE buckets SET name=?, order_hint=? WHERE id=? AND plan_id=?`,
		bk.Name, bk.OrderHint, bk.ID, bk.PlanID)
	if err != nil {
		return fmt.Errorf("repo: update bucket: %w", err)
	}
	return requireAffected(res, "Bucket", bk.ID)
}

func (b *base) DeleteBucket(ctx context.Context, planID, bucketID string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM buckets WHERE plan_id = ? AND id = ?`, planID, bucketID)
	if err != nil {
		return fmt.Errorf("repo: delete bucket: %w", err)
	}
	return nil
}

func (b *base) CreateTask(ctx context.Context, t model.Task) error {
	assigneesJSON, categoriesJSON, err := marshalTaskLists(t)
	if err != nil {
		return err
	}
	_, err = b.q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PlanID, t.BucketID, t.Title, t.Description, t.Status, t.PercentComplete,
		t.Start, t.Due, t.CompletedAt, t.Priority, assigneesJSON, categoriesJSON, t.OrderHint,
		t.CreatedAt, t.UpdatedAt, t.CreatedBy, t.CompletedBy)
	if err != nil {
		return fmt.Errorf("repo: create task: %w", err)
	}
	return nil
}

func (b *base) UpdateTask(ctx context.Context, t model.Task) error {
	assigneesJSON, categoriesJSON, err := marshalTaskLists(t)
	if err != nil {
		return err
	}
	res, err := b.q.ExecContext(ctx, `UPDATE tasks SET bucket_id=?, title=?, description=?, status=?, percent_complete=?,
		start=?, due=?, completed_at=?, priority=?, assignees=?, categories=?, order_hint=?, updated_at=?, completed_by=?
		WHERE id=? AND plan_id=?`,
		t.BucketID, t.Title, t.Description, t.Status, t.PercentComplete,
		t.Start, t.Due, t.CompletedAt, t.Priority, assigneesJSON, categoriesJSON, t.OrderHint, t.UpdatedAt, t.CompletedBy,
		t.ID, t.PlanID)
	if err != nil {
		return fmt.Errorf("repo: update task: %w", err)
	}
	return requireAffected(res, "Task", t.ID)
}

func (b *base) DeleteTask(ctx context.Context, planID, taskID string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM tasks WHERE plan_id = ? AND id = ?`, planID, taskID)
	if err != nil {
		return fmt.Errorf("repo: delete task: %w", err)
	}
	return nil
}

func marshalTaskLists(t model.Task) (assigneesJSON, categoriesJSON string, err error) {
	a, err := json.Marshal(t.Assignees)
	if err != nil {
		return "", "", fmt.Errorf("repo: marshal assignees: %w", err)
	}
	c, err := json.Marshal(t.Categories)
	if err != nil {
		return "", "", fmt.Errorf("repo: marshal categories: %w", err)
	}
	return string(a), string(c), nil
}

func (b *base) CreateSubtask(ctx context.Context, s model.Subtask) error {
	_, err := b.q.ExecContext(ctx, `INSERT INTO subtasks (id, plan_id, task_id, title, checked, order_hint, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.PlanID, s.TaskID, s.Title, s.Checked, s.OrderHint, s.ModifiedAt)
	if err != nil {
		return fmt.Errorf("repo: create subtask: %w", err)
	}
	return nil
}

func (b *base) UpdateSubtask(ctx context.Context, s model.Subtask) error {
	res, err := b.q.ExecContext(ctx, `UPDATE subtasks SET title=?, checked=?, order_hint=?, modified_at=? WHERE id=? AND plan_id=?`,
		s.Title, s.Checked, s.OrderHint, s.ModifiedAt, s.ID, s.PlanID)
	if err != nil {
		return fmt.Errorf("repo: update subtask: %w", err)
	}
	return requireAffected(res, "Subtask", s.ID)
}

func (b *base) DeleteSubtask(ctx context.Context, planID, subtaskID string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM subtasks WHERE plan_id = ? AND id = ?`, planID, subtaskID)
	if err != nil {
		return fmt.Errorf("repo: delete subtask: %w", err)
	}
	return nil
}

func (b *base) AddDependency(ctx context.Context, d model.Dependency) error {
	_, err := b.q.ExecContext(ctx, `INSERT INTO dependencies (plan_id, predecessor_id, successor_id, "type") VALUES (?, ?, ?, ?)
		ON CONFLICT (plan_id, predecessor_id, successor_id) DO UPDATE SET "type" = excluded."type"`,
		d.PlanID, d.PredecessorID, d.SuccessorID, d.Type)
	if err != nil {
		return fmt.Errorf("repo: add dependency: %w", err)
	}
	return nil
}

func (b *base) RemoveDependency(ctx context.Context, planID, predecessorID, successorID string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM dependencies WHERE plan_id = ? AND predecessor_id = ? AND successor_id = ?`,
		planID, predecessorID, successorID)
	if err != nil {
		return fmt.Errorf("repo: remove dependency: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo: rows affected: %w", err)
	}
	if n == 0 {
		return perr.NewNotFound(kind, id)
	}
	return nil
}
