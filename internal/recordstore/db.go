package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/ifgate/internal/value"
)

// DB is one open connection to a record database.
type DB struct {
	name            string
	sqlDB           *sql.DB
	factory         *Factory
	logger          *slog.Logger
	onVersionChange func(db *DB, oldVersion, newVersion int64)

	mu      sync.RWMutex
	version int64
	cat     catalog
	closed  bool
}

// Name returns the database name.
func (db *DB) Name() string { return db.name }

// Version returns the database version.
func (db *DB) Version() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.version
}

// ObjectStoreNames returns the collection names in ascending order.
func (db *DB) ObjectStoreNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.cat.names()
}

// Closed reports whether Close has been called.
func (db *DB) Closed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Close closes the connection. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	err := db.sqlDB.Close()
	db.factory.release(db)
	db.logger.Debug("database closed")
	return err
}

// Begin starts a transaction in mode ReadOnly or ReadWrite.
func (db *DB) Begin(ctx context.Context, mode Mode) (*Tx, error) {
	if mode == VersionChange {
		return nil, newError(InvalidStateError, "version-change transactions only run during open")
	}
	db.mu.RLock()
	closed, cat := db.closed, db.cat
	db.mu.RUnlock()
	if closed {
		return nil, newError(InvalidStateError, "database %s is closed", db.name)
	}

	sqlTx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError(UnknownError, err, "begin transaction")
	}
	return &Tx{db: db, tx: sqlTx, ctx: ctx, mode: mode, cat: cat}, nil
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, ReadOnly)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a read-write transaction, committing when fn returns
// nil and rolling back otherwise.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, ReadWrite)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// upgrade runs fn inside a version-change transaction and stamps the new
// version. On any failure nothing is committed.
func (db *DB) upgrade(ctx context.Context, oldVersion, newVersion int64, fn UpgradeFunc) error {
	cat, err := loadCatalog(ctx, db.sqlDB)
	if err != nil {
		return wrapError(UnknownError, err, "load catalog")
	}

	sqlTx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return wrapError(UnknownError, err, "begin upgrade")
	}
	tx := &Tx{
		db:         db,
		tx:         sqlTx,
		ctx:        ctx,
		mode:       VersionChange,
		cat:        cat.clone(),
		oldVersion: oldVersion,
		newVersion: newVersion,
	}

	db.logger.Info("database upgrade", "old_version", oldVersion, "new_version", newVersion)
	if fn != nil {
		if err := fn(tx, oldVersion, newVersion); err != nil {
			tx.Rollback()
			return wrapError(AbortError, err, "upgrade %s from v%d to v%d", db.name, oldVersion, newVersion)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", newVersion)); err != nil {
		tx.Rollback()
		return wrapError(UnknownError, err, "set user_version")
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	db.mu.Lock()
	db.version = newVersion
	db.cat = tx.cat
	db.mu.Unlock()
	return nil
}

// catalog is the in-memory copy of the collections and indexes tables.
type catalog map[string]*collectionDef

type collectionDef struct {
	name          string
	keyPath       KeyPath
	autoIncrement bool
	indexes       map[string]*indexDef
}

type indexDef struct {
	name       string
	keyPath    KeyPath
	unique     bool
	multiEntry bool
}

func (c catalog) names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return value.CompareUTF16(names[i], names[j]) < 0 })
	return names
}

func (c catalog) clone() catalog {
	out := make(catalog, len(c))
	for name, def := range c {
		cp := *def
		cp.indexes = make(map[string]*indexDef, len(def.indexes))
		for iname, idx := range def.indexes {
			icp := *idx
			cp.indexes[iname] = &icp
		}
		out[name] = &cp
	}
	return out
}

func (d *collectionDef) indexNames() []string {
	names := make([]string, 0, len(d.indexes))
	for name := range d.indexes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return value.CompareUTF16(names[i], names[j]) < 0 })
	return names
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadCatalog(ctx context.Context, q querier) (catalog, error) {
	cat := make(catalog)

	rows, err := q.QueryContext(ctx, `SELECT name, key_path, auto_increment FROM collections`)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	for rows.Next() {
		var (
			name, kpJSON string
			autoInc      bool
		)
		if err := rows.Scan(&name, &kpJSON, &autoInc); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		kp, err := decodeKeyPath(kpJSON)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		cat[name] = &collectionDef{name: name, keyPath: kp, autoIncrement: autoInc, indexes: make(map[string]*indexDef)}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT collection, name, key_path, is_unique, multi_entry FROM indexes`)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			coll, name, kpJSON string
			unique, multi      bool
		)
		if err := rows.Scan(&coll, &name, &kpJSON, &unique, &multi); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		def, ok := cat[coll]
		if !ok {
			return nil, fmt.Errorf("index %s references unknown collection %s", name, coll)
		}
		kp, err := decodeKeyPath(kpJSON)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", name, err)
		}
		def.indexes[name] = &indexDef{name: name, keyPath: kp, unique: unique, multiEntry: multi}
	}
	return cat, rows.Err()
}

func encodeKeyPath(kp KeyPath) (string, error) {
	data, err := value.Marshal(kp.Value())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeKeyPath(s string) (KeyPath, error) {
	v, err := value.Parse([]byte(s))
	if err != nil {
		return KeyPath{}, err
	}
	return ParseKeyPath(v)
}
