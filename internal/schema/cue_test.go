package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ifgate/internal/value"
)

func TestLoadCUE_Steps(t *testing.T) {
	schemas, err := LoadCUE(Source{Filename: "notes.cue", Data: []byte(`
		schema: Notes: migrations: [{
			version: 1
			steps: [
				{op: "createStore", store: "notes", keyPath: "id", autoIncrement: true},
				{op: "createIndex", store: "notes", name: "tags", keyPath: "tags", multiEntry: true},
				{op: "createIndex", store: "notes", name: "slug", keyPath: "slug", unique: true},
				{op: "setDefault", store: "notes", field: "pinned", value: false},
				{op: "coalesce", store: "notes", field: "title", from: ["heading", "slug"]},
			]
		}]
	`)})
	require.NoError(t, err)
	require.Len(t, schemas, 1)

	s := schemas[0]
	assert.Equal(t, "Notes", s.Name)
	require.Len(t, s.Migrations, 1)
	steps := s.Migrations[0].Steps
	require.Len(t, steps, 5)

	assert.Equal(t, OpCreateStore, steps[0].Op)
	assert.Equal(t, "id", steps[0].KeyPath.String())
	assert.True(t, steps[0].AutoIncrement)

	assert.True(t, steps[1].MultiEntry)
	assert.True(t, steps[2].Unique)

	assert.Equal(t, value.Bool(false), steps[3].Value)
	assert.Equal(t, []string{"heading", "slug"}, steps[4].From)
}

func TestLoadCUE_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{
			name:  "unknown op",
			src:   `schema: X: migrations: [{version: 1, steps: [{op: "dropAll", store: "a"}]}]`,
			field: "cue",
		},
		{
			name:  "zero version",
			src:   `schema: X: migrations: [{version: 0, steps: []}]`,
			field: "cue",
		},
		{
			name:  "index without key path",
			src:   `schema: X: migrations: [{version: 1, steps: [{op: "createIndex", store: "a", name: "i"}]}]`,
			field: "keyPath",
		},
		{
			name:  "compound multi-entry",
			src:   `schema: X: migrations: [{version: 1, steps: [{op: "createIndex", store: "a", name: "i", keyPath: ["a", "b"], multiEntry: true}]}]`,
			field: "multiEntry",
		},
		{
			name:  "descending versions",
			src:   `schema: X: migrations: [{version: 2, steps: []}, {version: 1, steps: []}]`,
			field: "version",
		},
		{
			name:  "no migrations",
			src:   `schema: X: migrations: []`,
			field: "migrations",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCUE(Source{Filename: "x.cue", Data: []byte(tt.src)})
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(
		`schema: A: migrations: [{version: 1, steps: [{op: "createStore", store: "x"}]}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(
		`schema: B: migrations: [{version: 1, steps: []}, {version: 2, steps: []}]`), 0o644))

	schemas, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "A", schemas[0].Name)
	assert.Equal(t, int64(2), schemas[1].Latest())

	_, err = LoadDir(t.TempDir())
	assert.Error(t, err)
}
