package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/value"
)

// Op names a migration step kind.
type Op string

const (
	OpCreateStore Op = "createStore"
	OpDeleteStore Op = "deleteStore"
	OpCreateIndex Op = "createIndex"
	OpDeleteIndex Op = "deleteIndex"
	// OpSetDefault sets Field to Value on every record that lacks it.
	OpSetDefault Op = "setDefault"
	// OpCoalesce sets Field to the first truthy field named in From.
	OpCoalesce Op = "coalesce"
	// OpRemoveField deletes Field from every record.
	OpRemoveField Op = "removeField"
)

// Step is one declarative schema or data change.
type Step struct {
	Op    Op
	Store string

	// Index steps use Name; createStore and createIndex use KeyPath.
	Name          string
	KeyPath       recordstore.KeyPath
	AutoIncrement bool
	Unique        bool
	MultiEntry    bool

	// Backfill steps.
	Field string
	Value value.Value
	From  []string
}

// Migration brings a database to Version.
type Migration struct {
	Version int64
	Steps   []Step
}

// Schema is a named, ordered list of migrations.
type Schema struct {
	Name       string
	Migrations []Migration
}

// ErrNoSchema is returned when a database name has no schema.
var ErrNoSchema = errors.New("No Database Schema")

// GapError reports that the migrations of a schema do not cover every
// version up to the requested target.
type GapError struct {
	Schema    string
	Target    int64
	Available []int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("Missing migrations for target version: %d", e.Target)
}

// IsGap returns true if err is a GapError.
func IsGap(err error) bool {
	var ge *GapError
	return errors.As(err, &ge)
}

// Latest returns the highest migration version, or 0 for an empty schema.
func (s *Schema) Latest() int64 {
	if len(s.Migrations) == 0 {
		return 0
	}
	return s.Migrations[len(s.Migrations)-1].Version
}

// Versions returns the migration versions in ascending order.
func (s *Schema) Versions() []int64 {
	out := make([]int64, len(s.Migrations))
	for i, m := range s.Migrations {
		out[i] = m.Version
	}
	return out
}

// Plan returns the migrations that take a database from version from to
// version to, in ascending order. Every version in (from, to] must have a
// migration; otherwise Plan returns a *GapError.
func (s *Schema) Plan(from, to int64) ([]Migration, error) {
	var plan []Migration
	for _, m := range s.Migrations {
		if m.Version > from && m.Version <= to {
			plan = append(plan, m)
		}
	}

	next := from + 1
	for _, m := range plan {
		if m.Version != next {
			break
		}
		next++
	}
	if len(plan) == 0 || next != to+1 {
		available := make([]int64, len(plan))
		for i, m := range plan {
			available[i] = m.Version
		}
		return nil, &GapError{Schema: s.Name, Target: to, Available: available}
	}
	return plan, nil
}

// Upgrade returns the recordstore upgrade function that applies the planned
// migrations inside the version-change transaction.
func (s *Schema) Upgrade(logger *slog.Logger) recordstore.UpgradeFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(tx *recordstore.Tx, oldVersion, newVersion int64) error {
		plan, err := s.Plan(oldVersion, newVersion)
		if err != nil {
			var ge *GapError
			if errors.As(err, &ge) {
				logger.Error("missing migrations",
					"schema", s.Name, "target", newVersion, "available", ge.Available)
			}
			return err
		}

		logger.Info("migration begin", "schema", s.Name, "from", oldVersion, "to", newVersion)
		for _, m := range plan {
			for i, step := range m.Steps {
				if err := applyStep(tx, step); err != nil {
					return fmt.Errorf("migration %d step %d (%s %s): %w", m.Version, i, step.Op, step.Store, err)
				}
			}
			logger.Debug("migrated", "schema", s.Name, "version", m.Version)
		}
		return nil
	}
}

func applyStep(tx *recordstore.Tx, step Step) error {
	switch step.Op {
	case OpCreateStore:
		_, err := tx.CreateCollection(step.Store, recordstore.CollectionOptions{
			KeyPath:       step.KeyPath,
			AutoIncrement: step.AutoIncrement,
		})
		return err
	case OpDeleteStore:
		return tx.DeleteCollection(step.Store)
	}

	c, err := tx.Collection(step.Store)
	if err != nil {
		return err
	}
	switch step.Op {
	case OpCreateIndex:
		_, err := c.CreateIndex(step.Name, step.KeyPath, recordstore.IndexOptions{
			Unique:     step.Unique,
			MultiEntry: step.MultiEntry,
		})
		return err
	case OpDeleteIndex:
		return c.DeleteIndex(step.Name)
	case OpSetDefault:
		return rewrite(c, func(rec value.Object) bool {
			if _, ok := rec[step.Field]; ok {
				return false
			}
			rec[step.Field] = step.Value
			return true
		})
	case OpCoalesce:
		return rewrite(c, func(rec value.Object) bool {
			var picked value.Value
			for _, f := range step.From {
				v, ok := rec[f]
				if !ok {
					continue
				}
				picked = v
				if value.Truthy(v) {
					break
				}
			}
			if picked == nil {
				return false
			}
			rec[step.Field] = picked
			return true
		})
	case OpRemoveField:
		return rewrite(c, func(rec value.Object) bool {
			if _, ok := rec[step.Field]; !ok {
				return false
			}
			delete(rec, step.Field)
			return true
		})
	}
	return fmt.Errorf("unknown step op %q", step.Op)
}

// rewrite walks every object record of c and stores the ones fn changed.
func rewrite(c *recordstore.Collection, fn func(rec value.Object) bool) error {
	cur, err := c.OpenCursor(nil, recordstore.Next)
	if err != nil {
		return err
	}
	for cur.Valid() {
		if obj, ok := cur.Value().(value.Object); ok {
			rec := obj.Clone()
			if fn(rec) {
				if err := cur.Update(rec); err != nil {
					return err
				}
			}
		}
		if err := cur.Continue(); err != nil {
			return err
		}
	}
	return nil
}

// Registry maps database names to schemas.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry creates a registry holding schemas. A later schema replaces an
// earlier one with the same name.
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.Name] = s
	}
	return r
}

// Lookup returns the schema for name, or ErrNoSchema.
func (r *Registry) Lookup(name string) (*Schema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSchema, name)
	}
	return s, nil
}

// Add registers s, replacing any schema with the same name.
func (r *Registry) Add(s *Schema) {
	r.schemas[s.Name] = s
}

// Names returns the schema names in ascending order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
