package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pitabwire/assent/model"
)

// SQLiteInstanceStore is a file-backed InstanceStore for single-binary
// deployments. It follows the same transaction discipline as the
// PostgreSQL store: instance mutation and history append commit together
// or not at all, with the optimistic version check done in the UPDATE.
type SQLiteInstanceStore struct {
	db *sql.DB
}

// NewSQLiteInstanceStore opens (or creates) the database at path and
// ensures the schema exists.
func NewSQLiteInstanceStore(path string) (*SQLiteInstanceStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent updates.
	db.SetMaxOpenConns(1)

	s := &SQLiteInstanceStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_instances (
			id                 TEXT PRIMARY KEY,
			definition_id      TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			category           TEXT NOT NULL,
			requester          TEXT NOT NULL,
			current_state      TEXT NOT NULL,
			state_entered_at   TIMESTAMP NOT NULL,
			assignee_type      TEXT NOT NULL DEFAULT '',
			assignee_value     TEXT NOT NULL DEFAULT '',
			chain              TEXT,
			chain_position     INTEGER NOT NULL DEFAULT 0,
			data               TEXT,
			status             TEXT NOT NULL,
			priority           TEXT NOT NULL,
			started_at         TIMESTAMP NOT NULL,
			due_at             TIMESTAMP,
			completed_at       TIMESTAMP,
			escalation_count   INTEGER NOT NULL DEFAULT 0,
			escalation_level   INTEGER NOT NULL DEFAULT 0,
			decision           TEXT NOT NULL DEFAULT '',
			decision_reason    TEXT NOT NULL DEFAULT '',
			version            INTEGER NOT NULL,
			updated_at         TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_status ON process_instances(status);
		CREATE INDEX IF NOT EXISTS idx_instances_definition ON process_instances(definition_id, started_at);

		CREATE TABLE IF NOT EXISTS history_entries (
			id               TEXT PRIMARY KEY,
			instance_id      TEXT NOT NULL REFERENCES process_instances(id),
			seq              INTEGER NOT NULL,
			from_state       TEXT NOT NULL DEFAULT '',
			to_state         TEXT NOT NULL,
			"trigger"        TEXT NOT NULL DEFAULT '',
			actor            TEXT NOT NULL,
			actor_roles      TEXT,
			action_type      TEXT NOT NULL,
			decision         TEXT NOT NULL DEFAULT '',
			comment          TEXT NOT NULL DEFAULT '',
			data_before      TEXT,
			data_after       TEXT,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			created_at       TIMESTAMP NOT NULL,
			UNIQUE (instance_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_history_actor ON history_entries(actor, created_at);
	`)
	if err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteInstanceStore) Close() error {
	return s.db.Close()
}

// CreateWithHistory inserts a new instance and its seq-1 history entry in
// one transaction.
func (s *SQLiteInstanceStore) CreateWithHistory(ctx context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error {
	chainJSON, dataJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_instances (
			id, definition_id, definition_version, category, requester,
			current_state, state_entered_at, assignee_type, assignee_value,
			chain, chain_position, data, status, priority,
			started_at, due_at, completed_at, escalation_count, escalation_level,
			decision, decision_reason, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.Category, inst.Requester,
		inst.CurrentState, inst.StateEnteredAt, inst.Assignee.Type, inst.Assignee.Value,
		nullBytes(chainJSON), inst.ChainPosition, nullBytes(dataJSON), inst.Status, inst.Priority,
		inst.StartedAt, inst.DueAt, inst.CompletedAt, inst.EscalationCount, inst.EscalationLevel,
		inst.Decision, inst.DecisionReason, inst.Version, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	entry.Seq = 1
	if err := sqliteInsertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

// Get retrieves an instance by id.
func (s *SQLiteInstanceStore) Get(ctx context.Context, id string) (model.ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, definition_version, category, requester,
		       current_state, state_entered_at, assignee_type, assignee_value,
		       chain, chain_position, data, status, priority,
		       started_at, due_at, completed_at, escalation_count, escalation_level,
		       decision, decision_reason, version, updated_at
		FROM process_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", id))
	}
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// UpdateWithHistory applies an optimistic update plus history append in one
// transaction.
func (s *SQLiteInstanceStore) UpdateWithHistory(ctx context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error {
	chainJSON, dataJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE process_instances SET
			current_state = ?, state_entered_at = ?,
			assignee_type = ?, assignee_value = ?,
			chain = ?, chain_position = ?, data = ?,
			status = ?, priority = ?,
			due_at = ?, completed_at = ?,
			escalation_count = ?, escalation_level = ?,
			decision = ?, decision_reason = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		inst.CurrentState, inst.StateEnteredAt,
		inst.Assignee.Type, inst.Assignee.Value,
		nullBytes(chainJSON), inst.ChainPosition, nullBytes(dataJSON),
		inst.Status, inst.Priority,
		inst.DueAt, inst.CompletedAt,
		inst.EscalationCount, inst.EscalationLevel,
		inst.Decision, inst.DecisionReason,
		inst.Version+1, time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance rows: %w", err)
	}
	if affected == 0 {
		return model.NewConcurrentModificationError(inst.ID)
	}

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history_entries WHERE instance_id = ?`,
		inst.ID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next history seq: %w", err)
	}
	entry.Seq = seq
	if err := sqliteInsertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}
	return nil
}

// List returns instances matching the filter plus the unpaginated total.
func (s *SQLiteInstanceStore) List(ctx context.Context, filter Filter) ([]model.ProcessInstance, int, error) {
	where := " WHERE 1=1"
	var args []any
	if filter.DefinitionID != "" {
		where += " AND definition_id = ?"
		args = append(args, filter.DefinitionID)
	}
	if filter.Category != "" {
		where += " AND category = ?"
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Requester != "" {
		where += " AND requester = ?"
		args = append(args, filter.Requester)
	}
	if filter.Assignee != "" {
		where += " AND assignee_value = ?"
		args = append(args, filter.Assignee)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	query := selectInstances + where + ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	instances, err := s.queryInstances(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

// FindEscalatable returns one page of active or escalated instances.
func (s *SQLiteInstanceStore) FindEscalatable(ctx context.Context, limit, offset int) ([]model.ProcessInstance, error) {
	return s.queryInstances(ctx, selectInstances+`
		WHERE status IN ('active', 'escalated')
		ORDER BY id
		LIMIT ? OFFSET ?`,
		limit, offset)
}

// History returns all entries for an instance ordered by Seq.
func (s *SQLiteInstanceStore) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.queryHistory(ctx, selectHistory+`
		WHERE instance_id = ?
		ORDER BY seq`,
		instanceID)
}

// EntriesByActor returns entries by an actor in a time range, newest first.
func (s *SQLiteInstanceStore) EntriesByActor(ctx context.Context, actor string, from, to time.Time) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, selectHistory+`
		WHERE actor = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC`,
		actor, from, to)
}

// EntriesInWindow returns entries of a definition's instances started in
// the window.
func (s *SQLiteInstanceStore) EntriesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, `
		SELECT h.id, h.instance_id, h.seq, h.from_state, h.to_state, h."trigger",
		       h.actor, h.actor_roles, h.action_type, h.decision, h.comment,
		       h.data_before, h.data_after, h.escalation_level, h.created_at
		FROM history_entries h
		JOIN process_instances i ON i.id = h.instance_id
		WHERE i.definition_id = ? AND i.started_at BETWEEN ? AND ?
		ORDER BY h.instance_id, h.seq`,
		definitionID, from, to)
}

// InstancesInWindow returns a definition's instances started in the window.
func (s *SQLiteInstanceStore) InstancesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.ProcessInstance, error) {
	return s.queryInstances(ctx, selectInstances+`
		WHERE definition_id = ? AND started_at BETWEEN ? AND ?
		ORDER BY started_at`,
		definitionID, from, to)
}

// HealthCheck pings the database.
func (s *SQLiteInstanceStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectInstances = `
	SELECT id, definition_id, definition_version, category, requester,
	       current_state, state_entered_at, assignee_type, assignee_value,
	       chain, chain_position, data, status, priority,
	       started_at, due_at, completed_at, escalation_count, escalation_level,
	       decision, decision_reason, version, updated_at
	FROM process_instances`

const selectHistory = `
	SELECT id, instance_id, seq, from_state, to_state, "trigger",
	       actor, actor_roles, action_type, decision, comment,
	       data_before, data_after, escalation_level, created_at
	FROM history_entries`

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func sqliteInsertHistory(ctx context.Context, tx *sql.Tx, e model.HistoryEntry) error {
	var before, after, roles []byte
	var err error
	if e.DataBefore != nil {
		if before, err = json.Marshal(e.DataBefore); err != nil {
			return fmt.Errorf("marshal data_before: %w", err)
		}
	}
	if e.DataAfter != nil {
		if after, err = json.Marshal(e.DataAfter); err != nil {
			return fmt.Errorf("marshal data_after: %w", err)
		}
	}
	if e.ActorRoles != nil {
		if roles, err = json.Marshal(e.ActorRoles); err != nil {
			return fmt.Errorf("marshal actor_roles: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_entries (
			id, instance_id, seq, from_state, to_state, "trigger",
			actor, actor_roles, action_type, decision, comment,
			data_before, data_after, escalation_level, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.InstanceID, e.Seq, e.FromState, e.ToState, e.Trigger,
		e.Actor, nullBytes(roles), e.ActionType, e.Decision, e.Comment,
		nullBytes(before), nullBytes(after), e.EscalationLevel, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.ProcessInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.ProcessInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteInstanceStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var before, after, roles []byte
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.Seq, &e.FromState, &e.ToState, &e.Trigger,
			&e.Actor, &roles, &e.ActionType, &e.Decision, &e.Comment,
			&before, &after, &e.EscalationLevel, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if before != nil {
			_ = json.Unmarshal(before, &e.DataBefore)
		}
		if after != nil {
			_ = json.Unmarshal(after, &e.DataAfter)
		}
		if roles != nil {
			_ = json.Unmarshal(roles, &e.ActorRoles)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
