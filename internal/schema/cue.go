package schema

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/value"
)

//go:embed defs.cue
var defsCUE []byte

//go:embed builtin/*.cue
var builtinFS embed.FS

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// Source is one named CUE document.
type Source struct {
	Filename string
	Data     []byte
}

// LoadCUE compiles the schemas declared under the top-level "schema" field
// of the given sources. All sources are unified, so one schema may not be
// declared twice with conflicting content.
func LoadCUE(sources ...Source) ([]*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(defsCUE, cue.Filename("defs.cue"))
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	for _, src := range sources {
		v := ctx.CompileBytes(src.Data, cue.Filename(src.Filename))
		if err := v.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		root = root.Unify(v)
	}
	if err := root.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	iter, err := root.LookupPath(cue.ParsePath("schema")).Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []*Schema
	for iter.Next() {
		s, err := CompileSchema(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadFiles reads and compiles the given .cue files.
func LoadFiles(paths ...string) ([]*Schema, error) {
	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		sources = append(sources, Source{Filename: p, Data: data})
	}
	return LoadCUE(sources...)
}

// LoadDir compiles every .cue file directly inside dir.
func LoadDir(dir string) ([]*Schema, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan schema dir: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}
	sort.Strings(paths)
	return LoadFiles(paths...)
}

// Builtin compiles the embedded User and SharedCache schemas.
func Builtin() ([]*Schema, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}
	sources := make([]Source, 0, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, err
		}
		sources = append(sources, Source{Filename: "builtin/" + e.Name(), Data: data})
	}
	return LoadCUE(sources...)
}

// BuiltinRegistry returns a registry holding the built-in schemas.
func BuiltinRegistry() (*Registry, error) {
	schemas, err := Builtin()
	if err != nil {
		return nil, fmt.Errorf("compile builtin schemas: %w", err)
	}
	return NewRegistry(schemas...), nil
}

// CompileSchema parses a CUE value into a Schema. The schema name is the
// value's last path selector:
//
//	v := root.LookupPath(cue.ParsePath("schema.User"))
//	s, err := CompileSchema(v)
func CompileSchema(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		s.Name = labels[len(labels)-1].String()
	}

	migVal := v.LookupPath(cue.ParsePath("migrations"))
	if !migVal.Exists() {
		return nil, &CompileError{Field: "migrations", Message: "migrations are required", Pos: v.Pos()}
	}
	iter, err := migVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		m, err := compileMigration(iter.Value())
		if err != nil {
			return nil, err
		}
		if n := len(s.Migrations); n > 0 && m.Version <= s.Migrations[n-1].Version {
			return nil, &CompileError{
				Field:   "version",
				Message: fmt.Sprintf("version %d does not follow version %d", m.Version, s.Migrations[n-1].Version),
				Pos:     iter.Value().Pos(),
			}
		}
		s.Migrations = append(s.Migrations, m)
	}
	if len(s.Migrations) == 0 {
		return nil, &CompileError{Field: "migrations", Message: "at least one migration is required", Pos: migVal.Pos()}
	}
	return s, nil
}

func compileMigration(v cue.Value) (Migration, error) {
	var m Migration

	version, err := v.LookupPath(cue.ParsePath("version")).Int64()
	if err != nil {
		return m, formatCUEError(err)
	}
	m.Version = version

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return m, nil
	}
	iter, err := stepsVal.List()
	if err != nil {
		return m, formatCUEError(err)
	}
	for iter.Next() {
		step, err := compileStep(iter.Value())
		if err != nil {
			return m, err
		}
		m.Steps = append(m.Steps, step)
	}
	return m, nil
}

func compileStep(v cue.Value) (Step, error) {
	var step Step

	op, err := v.LookupPath(cue.ParsePath("op")).String()
	if err != nil {
		return step, formatCUEError(err)
	}
	step.Op = Op(op)
	if step.Store, err = v.LookupPath(cue.ParsePath("store")).String(); err != nil {
		return step, formatCUEError(err)
	}

	str := func(field string) (string, error) {
		fv := v.LookupPath(cue.ParsePath(field))
		if !fv.Exists() {
			return "", nil
		}
		s, err := fv.String()
		if err != nil {
			return "", formatCUEError(err)
		}
		return s, nil
	}
	flag := func(field string) (bool, error) {
		fv := v.LookupPath(cue.ParsePath(field))
		if !fv.Exists() {
			return false, nil
		}
		b, err := fv.Bool()
		if err != nil {
			return false, formatCUEError(err)
		}
		return b, nil
	}

	if step.Name, err = str("name"); err != nil {
		return step, err
	}
	if step.Field, err = str("field"); err != nil {
		return step, err
	}
	if step.AutoIncrement, err = flag("autoIncrement"); err != nil {
		return step, err
	}
	if step.Unique, err = flag("unique"); err != nil {
		return step, err
	}
	if step.MultiEntry, err = flag("multiEntry"); err != nil {
		return step, err
	}

	if kpVal := v.LookupPath(cue.ParsePath("keyPath")); kpVal.Exists() {
		step.KeyPath, err = compileKeyPath(kpVal)
		if err != nil {
			return step, err
		}
	}
	if fromVal := v.LookupPath(cue.ParsePath("from")); fromVal.Exists() {
		if err := fromVal.Decode(&step.From); err != nil {
			return step, formatCUEError(err)
		}
	}
	if valVal := v.LookupPath(cue.ParsePath("value")); valVal.Exists() {
		var raw any
		if err := valVal.Decode(&raw); err != nil {
			return step, formatCUEError(err)
		}
		if step.Value, err = value.FromGo(raw); err != nil {
			return step, &CompileError{Field: "value", Message: err.Error(), Pos: valVal.Pos()}
		}
	}

	return step, checkStep(step, v.Pos())
}

func compileKeyPath(v cue.Value) (recordstore.KeyPath, error) {
	if s, err := v.String(); err == nil {
		return recordstore.Path(s), nil
	}
	var paths []string
	if err := v.Decode(&paths); err != nil {
		return recordstore.KeyPath{}, formatCUEError(err)
	}
	return recordstore.Compound(paths...), nil
}

// checkStep reports fields a step op requires but lacks.
func checkStep(step Step, pos token.Pos) error {
	missing := func(field string) error {
		return &CompileError{
			Field:   field,
			Message: fmt.Sprintf("%s step on %q requires %s", step.Op, step.Store, field),
			Pos:     pos,
		}
	}
	switch step.Op {
	case OpCreateIndex:
		if step.Name == "" {
			return missing("name")
		}
		if step.KeyPath.IsZero() {
			return missing("keyPath")
		}
		if step.MultiEntry && step.KeyPath.IsCompound() {
			return &CompileError{Field: "multiEntry", Message: "multi-entry index cannot use a compound key path", Pos: pos}
		}
	case OpDeleteIndex:
		if step.Name == "" {
			return missing("name")
		}
	case OpSetDefault:
		if step.Field == "" {
			return missing("field")
		}
		if step.Value == nil {
			return missing("value")
		}
	case OpCoalesce:
		if step.Field == "" {
			return missing("field")
		}
		if len(step.From) == 0 {
			return missing("from")
		}
	case OpRemoveField:
		if step.Field == "" {
			return missing("field")
		}
	}
	return nil
}
