package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/karsvo/journey/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. execution log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *Definition) error {
	trigger, err := json.Marshal(def.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	graph, err := json.Marshal(def.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if def.Reentry == "" {
		def.Reentry = schema.ReentrySkip
	}
	if def.GraphVersion == 0 {
		def.GraphVersion = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, tenant_id, name, status, trigger_spec, reentry_policy, graph_version, graph, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.TenantID, def.Name, string(def.Status), string(trigger), string(def.Reentry),
		def.GraphVersion, string(graph), timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, status, trigger_spec, reentry_policy, graph_version, graph, created_at, updated_at
		 FROM definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return def, err
}

func (s *LibSQLStore) UpdateDefinition(ctx context.Context, id string, update DefinitionUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Trigger != nil {
		trigger, err := json.Marshal(update.Trigger)
		if err != nil {
			return fmt.Errorf("marshal trigger: %w", err)
		}
		sets = append(sets, "trigger_spec = ?")
		args = append(args, string(trigger))
	}
	if update.Reentry != nil {
		sets = append(sets, "reentry_policy = ?")
		args = append(args, string(*update.Reentry))
	}
	if update.GraphVersion != nil {
		sets = append(sets, "graph_version = ?")
		args = append(args, *update.GraphVersion)
	}
	if update.Graph != nil {
		graph, err := json.Marshal(update.Graph)
		if err != nil {
			return fmt.Errorf("marshal graph: %w", err)
		}
		sets = append(sets, "graph = ?")
		args = append(args, string(graph))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE definitions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggerType != "" {
		// trigger_spec is JSON; the type field is small enough to match textually
		// via json_extract, which libSQL supports natively.
		where = append(where, "json_extract(trigger_spec, '$.type') = ?")
		args = append(args, string(filter.TriggerType))
	}

	query := `SELECT id, tenant_id, name, status, trigger_spec, reentry_policy, graph_version, graph, created_at, updated_at FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	def := &Definition{}
	var status, triggerJSON, reentry, graphJSON string
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &status, &triggerJSON, &reentry,
		&def.GraphVersion, &graphJSON, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.Status = schema.DefinitionStatus(status)
	def.Reentry = schema.ReentryPolicy(reentry)
	if err := json.Unmarshal([]byte(triggerJSON), &def.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(graphJSON), &def.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return def, nil
}

// --- Graph snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *GraphSnapshot) error {
	graph, err := json.Marshal(snap.Graph)
	if err != nil {
		return fmt.Errorf("marshal snapshot graph: %w", err)
	}
	// Snapshots are immutable: a duplicate (workflow, version) insert is a conflict.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graph_snapshots (workflow_id, graph_version, graph, frozen_at) VALUES (?, ?, ?, ?)`,
		snap.WorkflowID, snap.GraphVersion, string(graph), timeOrNow(snap.FrozenAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"snapshot %s v%d already frozen", snap.WorkflowID, snap.GraphVersion)
	}
	return err
}

func (s *LibSQLStore) GetSnapshot(ctx context.Context, workflowID string, graphVersion int) (*GraphSnapshot, error) {
	snap := &GraphSnapshot{}
	var graphJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, graph_version, graph, frozen_at FROM graph_snapshots
		 WHERE workflow_id = ? AND graph_version = ?`, workflowID, graphVersion,
	).Scan(&snap.WorkflowID, &snap.GraphVersion, &graphJSON, &snap.FrozenAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("graph_snapshot", fmt.Sprintf("%s@v%d", workflowID, graphVersion))
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(graphJSON), &snap.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot graph: %w", err)
	}
	return snap, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	payload, err := marshalMapOrDefault(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger_payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, tenant_id, graph_version, status, trigger_payload, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.TenantID, exec.GraphVersion, string(exec.Status),
		string(payload), timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec := &Execution{}
	var status, payloadJSON string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, tenant_id, graph_version, status, trigger_payload, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.WorkflowID, &exec.TenantID, &exec.GraphVersion, &status,
		&payloadJSON, &exec.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &exec.TriggerPayload)
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// --- Contact flow states ---

func (s *LibSQLStore) CreateFlowState(ctx context.Context, st *ContactFlowState) error {
	visited, err := marshalSliceOrDefault(st.VisitedNodes)
	if err != nil {
		return fmt.Errorf("marshal visited_nodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contact_flow_states (id, execution_id, workflow_id, tenant_id, contact_id, current_node_id, status, wait_until, visited_nodes, version, entered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.WorkflowID, st.TenantID, st.ContactID, st.CurrentNodeID,
		string(st.Status), nullTime(st.WaitUntil), string(visited), st.Version,
		timeOrNow(st.EnteredAt), timeOrNow(st.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFlowState(ctx context.Context, id string) (*ContactFlowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, workflow_id, tenant_id, contact_id, current_node_id, status, wait_until, visited_nodes, version, entered_at, updated_at
		 FROM contact_flow_states WHERE id = ?`, id)
	st, err := scanFlowState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow_state", id)
	}
	return st, err
}

// UpdateFlowStateCAS is the single mutation path for flow states. The WHERE
// clause on version makes losers of a race observe zero affected rows; they
// must re-read rather than retry blindly.
func (s *LibSQLStore) UpdateFlowStateCAS(ctx context.Context, st *ContactFlowState, expectedVersion int64) error {
	visited, err := marshalSliceOrDefault(st.VisitedNodes)
	if err != nil {
		return fmt.Errorf("marshal visited_nodes: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contact_flow_states
		 SET current_node_id = ?, status = ?, wait_until = ?, visited_nodes = ?,
		     version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		st.CurrentNodeID, string(st.Status), nullTime(st.WaitUntil), string(visited),
		st.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConcurrentMod,
			"flow state %s: version %d is stale", st.ID, expectedVersion).
			WithDetails(map[string]any{"flow_state_id": st.ID, "expected_version": expectedVersion})
	}
	st.Version = expectedVersion + 1
	return nil
}

func (s *LibSQLStore) ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*ContactFlowState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, tenant_id, contact_id, current_node_id, status, wait_until, visited_nodes, version, entered_at, updated_at
		 FROM contact_flow_states
		 WHERE status = ? AND wait_until IS NOT NULL AND wait_until <= ?
		 ORDER BY wait_until ASC LIMIT ?`,
		string(schema.FlowStateWaiting), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowStates(rows)
}

func (s *LibSQLStore) ListPendingStates(ctx context.Context, limit int) ([]*ContactFlowState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, tenant_id, contact_id, current_node_id, status, wait_until, visited_nodes, version, entered_at, updated_at
		 FROM contact_flow_states
		 WHERE status = ?
		 ORDER BY entered_at ASC LIMIT ?`,
		string(schema.FlowStatePending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowStates(rows)
}

func (s *LibSQLStore) ListNonTerminalStates(ctx context.Context, workflowID, contactID string) ([]*ContactFlowState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, tenant_id, contact_id, current_node_id, status, wait_until, visited_nodes, version, entered_at, updated_at
		 FROM contact_flow_states
		 WHERE workflow_id = ? AND contact_id = ? AND status IN (?, ?, ?)`,
		workflowID, contactID,
		string(schema.FlowStatePending), string(schema.FlowStateProcessing), string(schema.FlowStateWaiting),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowStates(rows)
}

func (s *LibSQLStore) ListStatesByExecution(ctx context.Context, executionID string) ([]*ContactFlowState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, tenant_id, contact_id, current_node_id, status, wait_until, visited_nodes, version, entered_at, updated_at
		 FROM contact_flow_states WHERE execution_id = ?`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowStates(rows)
}

func scanFlowState(row rowScanner) (*ContactFlowState, error) {
	st := &ContactFlowState{}
	var status string
	var waitUntil sql.NullTime
	var visitedJSON sql.NullString
	err := row.Scan(&st.ID, &st.ExecutionID, &st.WorkflowID, &st.TenantID, &st.ContactID,
		&st.CurrentNodeID, &status, &waitUntil, &visitedJSON, &st.Version, &st.EnteredAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = schema.FlowStateStatus(status)
	if waitUntil.Valid {
		st.WaitUntil = &waitUntil.Time
	}
	if visitedJSON.Valid && visitedJSON.String != "" {
		_ = json.Unmarshal([]byte(visitedJSON.String), &st.VisitedNodes)
	}
	return st, nil
}

func scanFlowStates(rows *sql.Rows) ([]*ContactFlowState, error) {
	var states []*ContactFlowState
	for rows.Next() {
		st, err := scanFlowState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- Enrollment ledger ---

func (s *LibSQLStore) RecordEnrollment(ctx context.Context, workflowID string, graphVersion int, contactID, externalEventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO enrollments (workflow_id, graph_version, contact_id, external_event_id)
		 VALUES (?, ?, ?, ?)`,
		workflowID, graphVersion, contactID, externalEventID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteEnrollment removes a ledger row. Used to compensate a recorded
// enrollment whose execution could not be created, so a redelivery of the
// event is not suppressed by a ghost row.
func (s *LibSQLStore) DeleteEnrollment(ctx context.Context, workflowID string, graphVersion int, contactID, externalEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM enrollments
		 WHERE workflow_id = ? AND graph_version = ? AND contact_id = ? AND external_event_id = ?`,
		workflowID, graphVersion, contactID, externalEventID,
	)
	return err
}

// --- Execution log ---

func (s *LibSQLStore) AppendLogEntry(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_log WHERE flow_state_id = ?`, entry.FlowStateID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_log (flow_state_id, execution_id, node_id, outcome, idempotency_key, detail, occurred_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.FlowStateID, entry.ExecutionID, entry.NodeID, string(entry.Outcome),
		nullStr(entry.IdempotencyKey), nullStr(entry.Detail), entry.OccurredAt, seq,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListLogEntries(ctx context.Context, filter LogFilter) ([]*LogEntry, error) {
	var where []string
	var args []any

	if filter.FlowStateID != "" {
		where = append(where, "flow_state_id = ?")
		args = append(args, filter.FlowStateID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	query := `SELECT id, flow_state_id, execution_id, node_id, outcome, idempotency_key, detail, occurred_at, sequence FROM execution_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY flow_state_id, sequence ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var outcome string
		var idemKey, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.FlowStateID, &e.ExecutionID, &e.NodeID, &outcome,
			&idemKey, &detail, &e.OccurredAt, &e.Sequence); err != nil {
			return nil, err
		}
		e.Outcome = schema.LogOutcome(outcome)
		e.IdempotencyKey = idemKey.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scheduled enrollments ---

func (s *LibSQLStore) CreateScheduledEnrollment(ctx context.Context, se *ScheduledEnrollment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_enrollments (id, workflow_id, tenant_id, contact_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.WorkflowID, se.TenantID, se.ContactID, se.CronExpression,
		boolToInt(se.Enabled), nullTime(se.LastRunAt), nullTime(se.NextRunAt),
		nullStr(se.LastRunStatus), timeOrNow(se.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduledEnrollment(ctx context.Context, id string, update ScheduledEnrollmentUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_enrollments SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_enrollment", id)
}

func (s *LibSQLStore) ListScheduledEnrollments(ctx context.Context, filter ScheduledEnrollmentFilter) ([]*ScheduledEnrollment, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT id, workflow_id, tenant_id, contact_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_enrollments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ses []*ScheduledEnrollment
	for rows.Next() {
		se := &ScheduledEnrollment{}
		var enabled int
		var lastRun, nextRun sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&se.ID, &se.WorkflowID, &se.TenantID, &se.ContactID, &se.CronExpression,
			&enabled, &lastRun, &nextRun, &lastStatus, &se.CreatedAt); err != nil {
			return nil, err
		}
		se.Enabled = enabled != 0
		if lastRun.Valid {
			se.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			se.NextRunAt = &nextRun.Time
		}
		se.LastRunStatus = lastStatus.String
		ses = append(ses, se)
	}
	return ses, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.JourneyError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrDefault(s []string) ([]byte, error) {
	if len(s) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}
