package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ifgate/internal/query"
	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/value"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	DataDir    string
	SchemasDir string
	Database   string
	Schema     string
	Version    int64
	Store      string
	Spec       string
	Offset     int
	Limit      int
	Explain    bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a query against a local database",
		Long: `Run a db-gateway query directly against a database in a data directory.

--spec takes the query descriptor as JSON, without storeName, e.g.
{"index": {"name": "sent", "lower": 5, "upper": 10, "excludeUpper": true}}.
The database is opened at its stored version unless --version is given,
in which case missing migrations are applied first.

Example:
  ifgate query --data-dir ./data --db u1 --schema User --store messages \
    --spec '{"conditions": {"sent": [5, 10]}}' --limit 20
  ifgate query --data-dir ./data --db u1 --schema User --store messages --explain`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "database directory (required)")
	cmd.Flags().StringVar(&opts.SchemasDir, "schemas-dir", "", "directory of additional .cue schema files")
	cmd.Flags().StringVar(&opts.Database, "db", "", "database id (required)")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "schema name (required)")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "open at this version (default: stored version)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "object store to query (required)")
	cmd.Flags().StringVar(&opts.Spec, "spec", "{}", "query descriptor as JSON")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "records to skip")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to return (default: all)")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "print the scan plan instead of records")
	for _, name := range []string{"data-dir", "db", "schema", "store"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger := newLogger(cmd.ErrOrStderr(), "warn", "text", opts.Verbose)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildQueryRequest(opts, cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid query", err)
	}
	if req.Filter != "" {
		return f.Fail(ExitCommandError, ErrCodeConfig, "filters need a connected peer", nil)
	}

	reg, err := loadRegistry(opts.SchemasDir)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeSchema, "failed to load schemas", err)
	}
	s, err := reg.Lookup(opts.Schema)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, "unknown schema", err)
	}

	factory, err := recordstore.NewFactory(opts.DataDir, recordstore.WithLogger(logger))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open data directory", err)
	}
	version := opts.Version
	if version == 0 {
		if version, err = factory.StoredVersion(ctx, opts.Database); err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to read database version", err)
		}
		if version == 0 {
			return f.Fail(ExitCommandError, ErrCodeNotFound,
				fmt.Sprintf("database %q not found in %s", opts.Database, opts.DataDir), nil)
		}
	}
	f.VerboseLog("Opening %s at version %d with schema %s", opts.Database, version, s.Name)

	db, err := factory.Open(ctx, opts.Database, version, s.Upgrade(logger))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer db.Close()

	var (
		plan    query.Plan
		records []value.Value
	)
	err = db.View(ctx, func(tx *recordstore.Tx) error {
		coll, err := tx.Collection(req.Store)
		if err != nil {
			return err
		}
		if opts.Explain {
			plan, err = query.Compile(req.Spec, coll)
			return err
		}
		records, err = query.Run(ctx, coll, req, nil)
		return err
	})
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeStore, "query failed", err)
	}

	if opts.Explain {
		return f.Success(plan.String())
	}
	return outputRecords(f, records)
}

// buildQueryRequest decodes --spec with the store and window flags applied.
func buildQueryRequest(opts *QueryOptions, cmd *cobra.Command) (query.Request, error) {
	spec, err := value.Parse([]byte(opts.Spec))
	if err != nil {
		return query.Request{}, fmt.Errorf("--spec: %w", err)
	}
	obj, ok := spec.(value.Object)
	if !ok {
		return query.Request{}, fmt.Errorf("--spec must be a JSON object")
	}
	obj = obj.Clone()
	obj["storeName"] = value.String(opts.Store)
	if cmd.Flags().Changed("offset") {
		obj["offset"] = value.Int(opts.Offset)
	}
	if cmd.Flags().Changed("limit") {
		obj["limit"] = value.Int(opts.Limit)
	}
	return query.Decode(obj)
}

func outputRecords(f *OutputFormatter, records []value.Value) error {
	if f.Format == "json" {
		return f.Success(value.Array(records))
	}
	for _, rec := range records {
		data, err := value.Marshal(rec)
		if err != nil {
			return err
		}
		fmt.Fprintln(f.Writer, string(data))
	}
	f.VerboseLog("%d record(s)", len(records))
	return nil
}
