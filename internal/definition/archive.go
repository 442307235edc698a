package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assent/model"
)

// MemoryArchive is an in-memory Archive for testing and single-node
// deployments where definition packs on disk are the durable source.
type MemoryArchive struct {
	mu   sync.RWMutex
	defs []model.WorkflowDefinition
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

// SaveDefinition stores a published definition version.
func (a *MemoryArchive) SaveDefinition(_ context.Context, def model.WorkflowDefinition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.defs {
		if d.ID == def.ID && d.Version == def.Version {
			return model.NewConflictError(
				fmt.Sprintf("definition %q version %d already archived", def.ID, def.Version))
		}
	}
	a.defs = append(a.defs, def)
	return nil
}

// LoadDefinitions returns every archived definition version.
func (a *MemoryArchive) LoadDefinitions(_ context.Context) ([]model.WorkflowDefinition, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.WorkflowDefinition, len(a.defs))
	copy(out, a.defs)
	return out, nil
}

// SetDefinitionActive flips the active flag on all versions of a definition.
func (a *MemoryArchive) SetDefinitionActive(_ context.Context, id string, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.defs {
		if a.defs[i].ID == id {
			a.defs[i].Active = active
		}
	}
	return nil
}

// PgArchive persists definitions in PostgreSQL using pgx/v5. The full
// definition document is stored as JSONB; versions are immutable rows.
type PgArchive struct {
	pool *pgxpool.Pool
}

// NewPgArchive creates a PostgreSQL-backed archive.
func NewPgArchive(pool *pgxpool.Pool) *PgArchive {
	return &PgArchive{pool: pool}
}

// SaveDefinition inserts a published definition version.
func (a *PgArchive) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, version, name, category, active, checksum, published_at, document
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		def.ID, def.Version, def.Name, def.Category, def.Active,
		def.Checksum, def.PublishedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

// LoadDefinitions returns every persisted definition version.
func (a *PgArchive) LoadDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT document, active
		FROM workflow_definitions
		ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var doc []byte
		var active bool
		if err := rows.Scan(&doc, &active); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def model.WorkflowDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		// Active lives in its own column so Deactivate never rewrites the
		// immutable document.
		def.Active = active
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SetDefinitionActive flips the active flag on all versions of a definition.
func (a *PgArchive) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflow_definitions SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("update definition active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return nil
}
