package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assent/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. The
// instance mutation and its history append run inside one transaction; the
// optimistic version check is an UPDATE ... WHERE version = $n whose zero
// row count rolls the whole transaction back.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

const instanceColumns = `id, definition_id, definition_version, category, requester,
	current_state, state_entered_at, assignee_type, assignee_value,
	chain, chain_position, data, status, priority,
	started_at, due_at, completed_at, escalation_count, escalation_level,
	decision, decision_reason, version, updated_at`

const historyColumns = `id, instance_id, seq, from_state, to_state, "trigger",
	actor, actor_roles, action_type, decision, comment,
	data_before, data_after, escalation_level, created_at`

const historyColumnsPrefixed = `h.id, h.instance_id, h.seq, h.from_state, h.to_state, h."trigger",
	h.actor, h.actor_roles, h.action_type, h.decision, h.comment,
	h.data_before, h.data_after, h.escalation_level, h.created_at`

// CreateWithHistory inserts a new instance and its seq-1 history entry in
// one transaction.
func (s *PgInstanceStore) CreateWithHistory(ctx context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error {
	chainJSON, dataJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO process_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19,
		        $20, $21, $22, $23)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.Category, inst.Requester,
		inst.CurrentState, inst.StateEnteredAt, inst.Assignee.Type, inst.Assignee.Value,
		chainJSON, inst.ChainPosition, dataJSON, inst.Status, inst.Priority,
		inst.StartedAt, inst.DueAt, inst.CompletedAt, inst.EscalationCount, inst.EscalationLevel,
		inst.Decision, inst.DecisionReason, inst.Version, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	entry.Seq = 1
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

// Get retrieves an instance by id.
func (s *PgInstanceStore) Get(ctx context.Context, id string) (model.ProcessInstance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM process_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", id))
	}
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// UpdateWithHistory applies an optimistic update plus history append in one
// transaction. A version mismatch leaves no effect and fails with
// CONCURRENT_MODIFICATION.
func (s *PgInstanceStore) UpdateWithHistory(ctx context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error {
	chainJSON, dataJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE process_instances SET
			current_state = $1, state_entered_at = $2,
			assignee_type = $3, assignee_value = $4,
			chain = $5, chain_position = $6, data = $7,
			status = $8, priority = $9,
			due_at = $10, completed_at = $11,
			escalation_count = $12, escalation_level = $13,
			decision = $14, decision_reason = $15,
			version = $16, updated_at = $17
		WHERE id = $18 AND version = $19`,
		inst.CurrentState, inst.StateEnteredAt,
		inst.Assignee.Type, inst.Assignee.Value,
		chainJSON, inst.ChainPosition, dataJSON,
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
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(inst.ID)
	}

	var seq int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history_entries WHERE instance_id = $1`,
		inst.ID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next history seq: %w", err)
	}
	entry.Seq = seq
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}
	return nil
}

// List returns instances matching the filter plus the unpaginated total.
func (s *PgInstanceStore) List(ctx context.Context, filter Filter) ([]model.ProcessInstance, int, error) {
	where := " WHERE 1=1"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.DefinitionID != "" {
		where += " AND definition_id = " + arg(filter.DefinitionID)
	}
	if filter.Category != "" {
		where += " AND category = " + arg(filter.Category)
	}
	if filter.Status != "" {
		where += " AND status = " + arg(filter.Status)
	}
	if filter.Requester != "" {
		where += " AND requester = " + arg(filter.Requester)
	}
	if filter.Assignee != "" {
		where += " AND assignee_value = " + arg(filter.Assignee)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM process_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM process_instances` + where +
		` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	instances, err := s.queryInstances(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

// FindEscalatable returns one page of active or escalated instances.
func (s *PgInstanceStore) FindEscalatable(ctx context.Context, limit, offset int) ([]model.ProcessInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM process_instances
		WHERE status IN ('active', 'escalated')
		ORDER BY id
		LIMIT $1 OFFSET $2`,
		limit, offset)
}

// History returns all entries for an instance ordered by Seq.
func (s *PgInstanceStore) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.queryHistory(ctx, `
		SELECT `+historyColumns+`
		FROM history_entries
		WHERE instance_id = $1
		ORDER BY seq`,
		instanceID)
}

// EntriesByActor returns entries by an actor in a time range, newest first.
func (s *PgInstanceStore) EntriesByActor(ctx context.Context, actor string, from, to time.Time) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, `
		SELECT `+historyColumns+`
		FROM history_entries
		WHERE actor = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC`,
		actor, from, to)
}

// EntriesInWindow returns entries of a definition's instances started in
// the window.
func (s *PgInstanceStore) EntriesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, `
		SELECT `+historyColumnsPrefixed+`
		FROM history_entries h
		JOIN process_instances i ON i.id = h.instance_id
		WHERE i.definition_id = $1 AND i.started_at BETWEEN $2 AND $3
		ORDER BY h.instance_id, h.seq`,
		definitionID, from, to)
}

// InstancesInWindow returns a definition's instances started in the window.
func (s *PgInstanceStore) InstancesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.ProcessInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM process_instances
		WHERE definition_id = $1 AND started_at BETWEEN $2 AND $3
		ORDER BY started_at`,
		definitionID, from, to)
}

// HealthCheck pings the database.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- helpers ---

func marshalInstanceDocs(inst model.ProcessInstance) (chainJSON, dataJSON []byte, err error) {
	if inst.Chain != nil {
		chainJSON, err = json.Marshal(inst.Chain)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal chain: %w", err)
		}
	}
	if inst.Data != nil {
		dataJSON, err = json.Marshal(inst.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal data: %w", err)
		}
	}
	return chainJSON, dataJSON, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, e model.HistoryEntry) error {
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

	_, err = tx.Exec(ctx, `
		INSERT INTO history_entries (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11,
		        $12, $13, $14, $15)`,
		e.ID, e.InstanceID, e.Seq, e.FromState, e.ToState, e.Trigger,
		e.Actor, roles, e.ActionType, e.Decision, e.Comment,
		before, after, e.EscalationLevel, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.ProcessInstance, error) {
	var inst model.ProcessInstance
	var chainJSON, dataJSON []byte
	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Category, &inst.Requester,
		&inst.CurrentState, &inst.StateEnteredAt, &inst.Assignee.Type, &inst.Assignee.Value,
		&chainJSON, &inst.ChainPosition, &dataJSON, &inst.Status, &inst.Priority,
		&inst.StartedAt, &inst.DueAt, &inst.CompletedAt, &inst.EscalationCount, &inst.EscalationLevel,
		&inst.Decision, &inst.DecisionReason, &inst.Version, &inst.UpdatedAt,
	)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	if chainJSON != nil {
		if err := json.Unmarshal(chainJSON, &inst.Chain); err != nil {
			return model.ProcessInstance{}, fmt.Errorf("unmarshal chain: %w", err)
		}
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.ProcessInstance{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return inst, nil
}

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.ProcessInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PgInstanceStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
