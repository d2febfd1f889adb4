package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ifgate/internal/schema"
)

// SchemaSummary describes one compiled schema.
type SchemaSummary struct {
	Name     string  `json:"name"`
	Latest   int64   `json:"latest"`
	Versions []int64 `json:"versions"`
}

func (s SchemaSummary) String() string {
	return fmt.Sprintf("%s v%d (%d migrations)", s.Name, s.Latest, len(s.Versions))
}

// ValidationError is one schema compilation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and validate database schemas",
	}
	cmd.AddCommand(newSchemaValidateCommand(rootOpts))
	cmd.AddCommand(newSchemaListCommand(rootOpts))
	return cmd
}

func newSchemaValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.cue|dir>...",
		Short: "Compile schema files and report errors",
		Long: `Compile CUE schema files and check their migrations.

Each argument is a .cue file or a directory of .cue files. All of them are
compiled together, as the gateway would load them.

Example:
  ifgate schema validate ./schemas
  ifgate schema validate notes.cue --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaValidate(rootOpts.formatter(cmd), args)
		},
	}
}

func runSchemaValidate(f *OutputFormatter, paths []string) error {
	files, err := expandSchemaPaths(paths)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, "schema files not found", err)
	}
	f.VerboseLog("Compiling %d CUE file(s)", len(files))

	schemas, err := schema.LoadFiles(files...)
	if err != nil {
		return outputValidationError(f, err)
	}
	if len(schemas) == 0 {
		return outputValidationError(f, errors.New("no schemas declared"))
	}

	summaries := summarize(schemas)
	if f.Format == "json" {
		return f.Success(map[string]any{"valid": true, "schemas": summaries})
	}
	for _, s := range summaries {
		fmt.Fprintf(f.Writer, "✓ %s\n", s)
	}
	return nil
}

func outputValidationError(f *OutputFormatter, err error) error {
	verr := ValidationError{Field: "schema", Message: err.Error()}
	var cerr *schema.CompileError
	if errors.As(err, &cerr) {
		verr.Field = cerr.Field
		verr.Message = cerr.Message
		if cerr.Pos.IsValid() {
			verr.File = cerr.Pos.Filename()
			verr.Line = cerr.Pos.Line()
		}
	}

	if f.Format == "json" {
		_ = f.Error(ErrCodeSchema, verr.Message, verr)
	} else {
		fmt.Fprintln(f.Writer, "✗ Validation failed")
		if verr.Line > 0 {
			fmt.Fprintf(f.Writer, "%s:%d\n", verr.File, verr.Line)
		}
		fmt.Fprintf(f.Writer, "  %s: %s: %s\n", ErrCodeSchema, verr.Field, verr.Message)
	}
	return WrapExitError(ExitFailure, "schema validation failed", err)
}

// expandSchemaPaths replaces directories with the .cue files inside them.
func expandSchemaPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		found := false
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".cue") {
				files = append(files, filepath.Join(p, e.Name()))
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no CUE files found in %s", p)
		}
	}
	return files, nil
}

func newSchemaListCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List the built-in schemas and those in a directory",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			reg, err := loadRegistry(dir)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeSchema, "failed to load schemas", err)
			}
			var schemas []*schema.Schema
			for _, name := range reg.Names() {
				s, _ := reg.Lookup(name)
				schemas = append(schemas, s)
			}
			summaries := summarize(schemas)
			if f.Format == "json" {
				return f.Success(summaries)
			}
			for _, s := range summaries {
				fmt.Fprintln(f.Writer, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of additional .cue schema files")
	return cmd
}

func summarize(schemas []*schema.Schema) []SchemaSummary {
	out := make([]SchemaSummary, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, SchemaSummary{Name: s.Name, Latest: s.Latest(), Versions: s.Versions()})
	}
	return out
}

// loadRegistry returns the built-in schemas plus those in dir, which
// replace built-ins of the same name.
func loadRegistry(dir string) (*schema.Registry, error) {
	reg, err := schema.BuiltinRegistry()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return reg, nil
	}
	extra, err := schema.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, s := range extra {
		reg.Add(s)
	}
	return reg, nil
}
