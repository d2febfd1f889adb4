package recordstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/text/unicode/norm"
)

//go:embed schema.sql
var schemaSQL string

// UpgradeFunc migrates a database from oldVersion to newVersion inside one
// version-change transaction. Returning an error rolls the whole upgrade
// back.
type UpgradeFunc func(tx *Tx, oldVersion, newVersion int64) error

// Factory opens record databases stored under one directory and tracks the
// open connections per database name, so that upgrades can ask older
// connections to close first.
//
// Thread-safety: all methods are safe for concurrent use.
type Factory struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	open   map[string][]*DB
	gates  map[string]chan struct{}
	closed chan struct{} // closed and replaced whenever a connection closes
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the factory's logger.
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// NewFactory creates a Factory storing databases in dir, creating it if
// needed.
func NewFactory(dir string, opts ...FactoryOption) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	f := &Factory{
		dir:    dir,
		logger: slog.Default(),
		open:   make(map[string][]*DB),
		gates:  make(map[string]chan struct{}),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the data directory.
func (f *Factory) Dir() string { return f.dir }

// Path returns the file used for database name.
func (f *Factory) Path(name string) string {
	return filepath.Join(f.dir, fileName(norm.NFC.String(name)))
}

// OpenOption configures a single Open call.
type OpenOption func(*openOptions)

type openOptions struct {
	onBlocked       func(oldVersion, newVersion int64)
	onVersionChange func(db *DB, oldVersion, newVersion int64)
}

// OnBlocked is called once if the open has to wait for other connections to
// close before upgrading.
func OnBlocked(fn func(oldVersion, newVersion int64)) OpenOption {
	return func(o *openOptions) { o.onBlocked = fn }
}

// OnVersionChange installs the handler called on the opened DB when a later
// Open wants to upgrade it. The handler should close the DB; while it stays
// open the upgrading Open is blocked.
func OnVersionChange(fn func(db *DB, oldVersion, newVersion int64)) OpenOption {
	return func(o *openOptions) { o.onVersionChange = fn }
}

// Open opens database name at version, creating it if needed.
//
// A version below the stored one fails with VersionError. A version above
// it runs upgrade after every other connection to the database has closed;
// ctx bounds that wait. The DB is registered only once the upgrade
// committed.
func (f *Factory) Open(ctx context.Context, name string, version int64, upgrade UpgradeFunc, opts ...OpenOption) (*DB, error) {
	if version < 1 {
		return nil, newError(DataError, "version must be a positive integer, got %d", version)
	}
	name = norm.NFC.String(name)

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	release, err := f.acquire(ctx, name)
	if err != nil {
		return nil, wrapError(AbortError, err, "open %s", name)
	}
	defer release()

	sqlDB, err := openSQLite(f.Path(name))
	if err != nil {
		return nil, wrapError(UnknownError, err, "open %s", name)
	}

	current, err := userVersion(ctx, sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, wrapError(UnknownError, err, "open %s", name)
	}
	if version < current {
		sqlDB.Close()
		return nil, newError(VersionError,
			"requested version (%d) is less than the existing version (%d)", version, current)
	}

	db := &DB{
		name:            name,
		sqlDB:           sqlDB,
		factory:         f,
		logger:          f.logger.With("db", name),
		onVersionChange: o.onVersionChange,
		version:         current,
	}

	if version > current {
		if err := f.evict(ctx, name, current, version, o.onBlocked); err != nil {
			sqlDB.Close()
			return nil, err
		}
		if err := db.upgrade(ctx, current, version, upgrade); err != nil {
			sqlDB.Close()
			return nil, err
		}
	} else {
		cat, err := loadCatalog(ctx, sqlDB)
		if err != nil {
			sqlDB.Close()
			return nil, wrapError(UnknownError, err, "load catalog")
		}
		db.cat = cat
	}

	f.mu.Lock()
	f.open[name] = append(f.open[name], db)
	f.mu.Unlock()

	f.logger.Debug("database opened", "db", name, "version", db.version)
	return db, nil
}

// OpenCount returns the number of open connections to name.
func (f *Factory) OpenCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open[norm.NFC.String(name)])
}

// StoredVersion reads the persisted version of name without opening it for
// use. A database that does not exist reports 0.
func (f *Factory) StoredVersion(ctx context.Context, name string) (int64, error) {
	path := f.Path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	sqlDB, err := openSQLite(path)
	if err != nil {
		return 0, err
	}
	defer sqlDB.Close()
	return userVersion(ctx, sqlDB)
}

// acquire serializes opens of one database name.
func (f *Factory) acquire(ctx context.Context, name string) (func(), error) {
	f.mu.Lock()
	gate, ok := f.gates[name]
	if !ok {
		gate = make(chan struct{}, 1)
		f.gates[name] = gate
	}
	f.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evict notifies every open connection to name of the pending upgrade and
// waits until all of them have closed.
func (f *Factory) evict(ctx context.Context, name string, oldVersion, newVersion int64, onBlocked func(int64, int64)) error {
	f.mu.Lock()
	others := append([]*DB(nil), f.open[name]...)
	f.mu.Unlock()

	for _, db := range others {
		if db.onVersionChange != nil {
			db.onVersionChange(db, oldVersion, newVersion)
		}
	}

	blocked := false
	for {
		f.mu.Lock()
		remaining := len(f.open[name])
		signal := f.closed
		f.mu.Unlock()

		if remaining == 0 {
			return nil
		}
		if !blocked {
			blocked = true
			f.logger.Warn("database upgrade blocked",
				"db", name, "open_connections", remaining,
				"old_version", oldVersion, "new_version", newVersion)
			if onBlocked != nil {
				onBlocked(oldVersion, newVersion)
			}
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return wrapError(AbortError, ctx.Err(), "upgrade of %s blocked by open connections", name)
		}
	}
}

func (f *Factory) release(db *DB) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conns := f.open[db.name]
	for i, c := range conns {
		if c == db {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(f.open, db.name)
	} else {
		f.open[db.name] = conns
	}
	close(f.closed)
	f.closed = make(chan struct{})
}

// openSQLite opens one database file with the pragmas every record database
// uses and ensures the catalog tables exist.
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: transactions on a DB are serialized in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return db, nil
}

func userVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return v, nil
}

// fileName maps a database name to a safe file name. Letters, digits, '-'
// and '_' pass through; every other byte is percent-encoded.
func fileName(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-', b == '_':
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "%%%02X", b)
		}
	}
	if sb.Len() == 0 {
		sb.WriteString("%00")
	}
	return sb.String() + ".sqlite"
}
