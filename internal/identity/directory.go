// Package identity resolves employee records and role membership from a
// static YAML directory. Lookups are cached with a TTL so role resolution
// on hot paths never re-reads the file.
package identity

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/assent/model"
)

// Employee is one directory record.
type Employee struct {
	ID      string   `yaml:"id"      json:"id"`
	Name    string   `yaml:"name"    json:"name"`
	Email   string   `yaml:"email"   json:"email"`
	Roles   []string `yaml:"roles"   json:"roles"`
	Manager string   `yaml:"manager" json:"manager,omitempty"`
}

type directoryFile struct {
	Employees []Employee `yaml:"employees"`
}

type cacheEntry struct {
	emp     Employee
	found   bool
	expires time.Time
}

// Directory is a read-only employee registry backed by a YAML file.
type Directory struct {
	path string
	ttl  time.Duration

	mu      sync.RWMutex
	byID    map[string]Employee
	byRole  map[string][]string
	cache   map[string]cacheEntry
	loaded  time.Time
}

// Load reads the directory file and builds the lookup indexes.
func Load(path string, ttl time.Duration) (*Directory, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	d := &Directory{
		path:  path,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}

	var file directoryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse directory file %s: %w", d.path, err)
	}

	byID := make(map[string]Employee, len(file.Employees))
	byRole := make(map[string][]string)
	for _, emp := range file.Employees {
		if emp.ID == "" {
			return fmt.Errorf("directory file %s: employee without id", d.path)
		}
		if _, dup := byID[emp.ID]; dup {
			return fmt.Errorf("directory file %s: duplicate employee %q", d.path, emp.ID)
		}
		byID[emp.ID] = emp
		for _, role := range emp.Roles {
			byRole[role] = append(byRole[role], emp.ID)
		}
	}

	d.mu.Lock()
	d.byID = byID
	d.byRole = byRole
	d.cache = make(map[string]cacheEntry)
	d.loaded = time.Now()
	d.mu.Unlock()
	return nil
}

// Lookup returns the employee record for an id. Results, including
// negative ones, are cached for the TTL.
func (d *Directory) Lookup(id string) (Employee, bool) {
	d.mu.RLock()
	if entry, ok := d.cache[id]; ok && time.Now().Before(entry.expires) {
		d.mu.RUnlock()
		return entry.emp, entry.found
	}
	emp, found := d.byID[id]
	d.mu.RUnlock()

	d.mu.Lock()
	d.cache[id] = cacheEntry{emp: emp, found: found, expires: time.Now().Add(d.ttl)}
	d.mu.Unlock()
	return emp, found
}

// MembersOf returns the employee ids holding a role.
func (d *Directory) MembersOf(role string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.byRole[role]))
	copy(out, d.byRole[role])
	return out
}

// ManagerOf resolves an employee's manager record.
func (d *Directory) ManagerOf(id string) (Employee, bool) {
	emp, ok := d.Lookup(id)
	if !ok || emp.Manager == "" {
		return Employee{}, false
	}
	return d.Lookup(emp.Manager)
}

// Enrich fills directory-known details into an actor context: roles held
// in the directory are merged with the token's roles. Unknown subjects
// pass through unchanged; the token stays authoritative for identity.
func (d *Directory) Enrich(actor *model.ActorContext) *model.ActorContext {
	if actor == nil {
		return nil
	}
	emp, ok := d.Lookup(actor.Subject)
	if !ok {
		return actor
	}

	merged := make([]string, 0, len(actor.Roles)+len(emp.Roles))
	seen := map[string]bool{}
	for _, r := range actor.Roles {
		if !seen[r] {
			seen[r] = true
			merged = append(merged, r)
		}
	}
	for _, r := range emp.Roles {
		if !seen[r] {
			seen[r] = true
			merged = append(merged, r)
		}
	}

	out := *actor
	out.Roles = merged
	if out.Email == "" {
		out.Email = emp.Email
	}
	return &out
}

// Count returns the number of directory records. For readiness reporting.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// DisplayName returns a human-readable label for an id.
func (d *Directory) DisplayName(id string) string {
	if emp, ok := d.Lookup(id); ok && emp.Name != "" {
		return emp.Name
	}
	return strings.TrimSpace(id)
}
