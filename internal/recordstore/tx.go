package recordstore

import (
	"context"
	"database/sql"

	"golang.org/x/text/unicode/norm"
)

// Mode is a transaction mode.
type Mode int

const (
	// ReadOnly transactions reject writes.
	ReadOnly Mode = iota
	// ReadWrite transactions may modify records.
	ReadWrite
	// VersionChange transactions may also change collections and indexes.
	// They only exist during an upgrade.
	VersionChange
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	}
	return "unknown"
}

// Tx is a transaction on one DB. A Tx must not be used from several
// goroutines at once.
type Tx struct {
	db   *DB
	tx   *sql.Tx
	ctx  context.Context
	mode Mode
	cat  catalog
	done bool

	oldVersion int64
	newVersion int64
}

// CollectionOptions configures a new collection.
type CollectionOptions struct {
	// KeyPath selects in-line keys. Zero means keys are passed explicitly.
	KeyPath KeyPath
	// AutoIncrement generates integer keys for records without one.
	AutoIncrement bool
}

// Mode returns the transaction mode.
func (tx *Tx) Mode() Mode { return tx.mode }

// OldVersion returns the version being upgraded from (VersionChange only).
func (tx *Tx) OldVersion() int64 { return tx.oldVersion }

// NewVersion returns the version being upgraded to (VersionChange only).
func (tx *Tx) NewVersion() int64 { return tx.newVersion }

// ObjectStoreNames returns the collection names in ascending order.
func (tx *Tx) ObjectStoreNames() []string { return tx.cat.names() }

// Collection returns the named collection.
func (tx *Tx) Collection(name string) (*Collection, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	name = norm.NFC.String(name)
	def, ok := tx.cat[name]
	if !ok {
		return nil, newError(NotFoundError, "no collection named %q", name)
	}
	return &Collection{tx: tx, def: def}, nil
}

// CreateCollection adds a collection. VersionChange only.
func (tx *Tx) CreateCollection(name string, opts CollectionOptions) (*Collection, error) {
	if err := tx.schemaChange(); err != nil {
		return nil, err
	}
	name = norm.NFC.String(name)
	if name == "" {
		return nil, newError(DataError, "collection name is empty")
	}
	if _, exists := tx.cat[name]; exists {
		return nil, newError(ConstraintError, "collection %q already exists", name)
	}
	if opts.AutoIncrement && opts.KeyPath.IsCompound() {
		return nil, newError(DataError, "auto-increment collection %q cannot use a compound key path", name)
	}

	kp, err := encodeKeyPath(opts.KeyPath)
	if err != nil {
		return nil, wrapError(DataError, err, "encode key path")
	}
	if _, err := tx.exec(`INSERT INTO collections (name, key_path, auto_increment) VALUES (?, ?, ?)`,
		name, kp, opts.AutoIncrement); err != nil {
		return nil, wrapError(UnknownError, err, "create collection %q", name)
	}

	def := &collectionDef{
		name:          name,
		keyPath:       opts.KeyPath,
		autoIncrement: opts.AutoIncrement,
		indexes:       make(map[string]*indexDef),
	}
	tx.cat[name] = def
	tx.db.logger.Debug("collection created", "collection", name, "key_path", opts.KeyPath.String())
	return &Collection{tx: tx, def: def}, nil
}

// DeleteCollection removes a collection with its records and indexes.
// VersionChange only.
func (tx *Tx) DeleteCollection(name string) error {
	if err := tx.schemaChange(); err != nil {
		return err
	}
	name = norm.NFC.String(name)
	if _, ok := tx.cat[name]; !ok {
		return newError(NotFoundError, "no collection named %q", name)
	}

	for _, stmt := range []string{
		`DELETE FROM index_entries WHERE collection = ?`,
		`DELETE FROM records WHERE collection = ?`,
		`DELETE FROM indexes WHERE collection = ?`,
		`DELETE FROM collections WHERE name = ?`,
	} {
		if _, err := tx.exec(stmt, name); err != nil {
			return wrapError(UnknownError, err, "delete collection %q", name)
		}
	}
	delete(tx.cat, name)
	return nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	if tx.done {
		return newError(InvalidStateError, "transaction already finished")
	}
	tx.done = true
	if err := tx.tx.Commit(); err != nil {
		return wrapError(UnknownError, err, "commit")
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.tx.Rollback()
}

func (tx *Tx) active() error {
	if tx.done {
		return newError(InvalidStateError, "transaction already finished")
	}
	return nil
}

func (tx *Tx) writable() error {
	if err := tx.active(); err != nil {
		return err
	}
	if tx.mode == ReadOnly {
		return newError(ReadOnlyError, "write in a read-only transaction")
	}
	return nil
}

func (tx *Tx) schemaChange() error {
	if err := tx.active(); err != nil {
		return err
	}
	if tx.mode != VersionChange {
		return newError(InvalidStateError, "schema changes require a version-change transaction")
	}
	return nil
}

func (tx *Tx) exec(query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(tx.ctx, query, args...)
}

func (tx *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(tx.ctx, query, args...)
}

func (tx *Tx) queryRow(query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(tx.ctx, query, args...)
}
