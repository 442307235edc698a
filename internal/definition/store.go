package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/assent/model"
)

// Archive persists published definitions so they survive restarts. The
// Store keeps its own lock-free read snapshot; the archive is only touched
// on publish and deactivate, and once at boot.
type Archive interface {
	// SaveDefinition persists a newly published definition version.
	SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// LoadDefinitions returns every persisted definition version.
	LoadDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error)

	// SetDefinitionActive flips the active flag on every version of a
	// definition.
	SetDefinitionActive(ctx context.Context, id string, active bool) error
}

// snapshot is the immutable read view swapped atomically on every mutation.
type snapshot struct {
	// versions holds all versions per definition id, ascending by version.
	versions map[string][]model.WorkflowDefinition
	// byCategory holds the latest version per category, active or not.
	byCategory map[string][]model.WorkflowDefinition
	// checksums of every stored version, for boot-time pack reconciliation.
	checksums map[string]bool
}

// Store holds versioned, immutable workflow definitions. Published versions
// are never mutated or deleted; deactivation flips a flag without touching
// running instances. Reads are lock-free via an atomic snapshot pointer;
// publishes serialize on a mutex.
type Store struct {
	mu        sync.Mutex
	archive   Archive
	validator *Validator
	snap      atomic.Pointer[snapshot]
}

// NewStore creates a Store backed by the given archive and loads any
// previously persisted definitions into the read snapshot.
func NewStore(ctx context.Context, archive Archive) (*Store, error) {
	s := &Store{archive: archive, validator: NewValidator()}

	defs, err := archive.LoadDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading archived definitions: %w", err)
	}
	s.snap.Store(buildSnapshot(defs))
	return s, nil
}

// Publish validates a definition and stores it as the next version of its
// id. The version number is assigned monotonically per definition id; the
// published definition is immutable from this point on.
func (s *Store) Publish(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if verrs := s.validator.ValidateOne("definition", &def); len(verrs) > 0 {
		return model.WorkflowDefinition{}, model.NewDefinitionInvalidError(FieldErrors(verrs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	def.Version = 1
	if versions := snap.versions[def.ID]; len(versions) > 0 {
		def.Version = versions[len(versions)-1].Version + 1
	}
	def.Active = true
	def.PublishedAt = time.Now().UTC()

	if err := s.archive.SaveDefinition(ctx, def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("archiving definition %s v%d: %w", def.ID, def.Version, err)
	}

	s.snap.Store(buildSnapshot(append(s.all(), def)))
	return def, nil
}

// Deactivate marks every version of a definition non-instantiable. Running
// instances keep referencing their pinned version and are unaffected.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if len(snap.versions[id]) == 0 {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}

	if err := s.archive.SetDefinitionActive(ctx, id, false); err != nil {
		return fmt.Errorf("deactivating definition %s: %w", id, err)
	}

	defs := s.all()
	for i := range defs {
		if defs[i].ID == id {
			defs[i].Active = false
		}
	}
	s.snap.Store(buildSnapshot(defs))
	return nil
}

// Get returns an immutable copy of one definition version. Version 0 means
// the latest published version.
func (s *Store) Get(id string, version int) (model.WorkflowDefinition, error) {
	versions := s.snap.Load().versions[id]
	if len(versions) == 0 {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, d := range versions {
		if d.Version == version {
			return d, nil
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(
		fmt.Sprintf("definition %q version %d not found", id, version))
}

// LatestActiveByCategory returns the newest active definition for a request
// category. This is the lookup instance creation uses.
func (s *Store) LatestActiveByCategory(category string) (model.WorkflowDefinition, error) {
	var best model.WorkflowDefinition
	var found bool
	for _, d := range s.snap.Load().byCategory[category] {
		if !d.Active {
			continue
		}
		if !found || d.PublishedAt.After(best.PublishedAt) {
			best = d
			found = true
		}
	}
	if !found {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("no active definition for category %q", category))
	}
	return best, nil
}

// All returns the latest version of every definition, sorted by id.
func (s *Store) All() []model.WorkflowDefinition {
	snap := s.snap.Load()
	defs := make([]model.WorkflowDefinition, 0, len(snap.versions))
	for _, versions := range snap.versions {
		defs = append(defs, versions[len(versions)-1])
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Count returns the number of definitions with at least one version.
func (s *Store) Count() int {
	return len(s.snap.Load().versions)
}

// HasChecksum reports whether any stored version carries the checksum.
// Boot-time pack loading uses this to publish only new or changed files.
func (s *Store) HasChecksum(sum string) bool {
	return s.snap.Load().checksums[sum]
}

// all returns a flat copy of every stored version. Caller holds s.mu.
func (s *Store) all() []model.WorkflowDefinition {
	snap := s.snap.Load()
	var defs []model.WorkflowDefinition
	for _, versions := range snap.versions {
		defs = append(defs, versions...)
	}
	return defs
}

func buildSnapshot(defs []model.WorkflowDefinition) *snapshot {
	snap := &snapshot{
		versions:   make(map[string][]model.WorkflowDefinition),
		byCategory: make(map[string][]model.WorkflowDefinition),
		checksums:  make(map[string]bool),
	}
	for _, d := range defs {
		snap.versions[d.ID] = append(snap.versions[d.ID], d)
		if d.Checksum != "" {
			snap.checksums[d.Checksum] = true
		}
	}
	for id := range snap.versions {
		sort.Slice(snap.versions[id], func(i, j int) bool {
			return snap.versions[id][i].Version < snap.versions[id][j].Version
		})
		latest := snap.versions[id][len(snap.versions[id])-1]
		snap.byCategory[latest.Category] = append(snap.byCategory[latest.Category], latest)
	}
	return snap
}
