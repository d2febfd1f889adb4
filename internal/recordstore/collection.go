package recordstore

import (
	"bytes"
	"database/sql"
	"errors"
	"math"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ifgate/internal/value"
)

// Collection is a collection bound to a transaction.
type Collection struct {
	tx  *Tx
	def *collectionDef
}

// IndexOptions configures a new index.
type IndexOptions struct {
	// Unique rejects two records with the same index key.
	Unique bool
	// MultiEntry indexes every element when the key path yields an array.
	MultiEntry bool
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.def.name }

// KeyPath returns the in-line key path, or the zero KeyPath.
func (c *Collection) KeyPath() KeyPath { return c.def.keyPath }

// AutoIncrement reports whether keys are generated.
func (c *Collection) AutoIncrement() bool { return c.def.autoIncrement }

// IndexNames returns the index names in ascending order.
func (c *Collection) IndexNames() []string { return c.def.indexNames() }

// Index returns the named index.
func (c *Collection) Index(name string) (*Index, error) {
	if err := c.tx.active(); err != nil {
		return nil, err
	}
	name = norm.NFC.String(name)
	def, ok := c.def.indexes[name]
	if !ok {
		return nil, newError(NotFoundError, "no index named %q on %q", name, c.def.name)
	}
	return &Index{coll: c, def: def}, nil
}

// Add inserts record. key must be nil for collections with in-line keys.
// Fails with ConstraintError if the key exists. Returns the record key.
func (c *Collection) Add(record, key value.Value) (value.Value, error) {
	return c.write(record, key, false)
}

// Put inserts or replaces record. Returns the record key.
func (c *Collection) Put(record, key value.Value) (value.Value, error) {
	return c.write(record, key, true)
}

// Get returns the record stored under key.
func (c *Collection) Get(key value.Value) (value.Value, bool, error) {
	if err := c.tx.active(); err != nil {
		return nil, false, err
	}
	pk, err := value.EncodeKey(key)
	if err != nil {
		return nil, false, wrapError(DataError, err, "get from %q", c.def.name)
	}
	var data string
	err = c.tx.queryRow(`SELECT value FROM records WHERE collection = ? AND key = ?`, c.def.name, pk).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError(UnknownError, err, "get from %q", c.def.name)
	}
	rec, err := value.Parse([]byte(data))
	if err != nil {
		return nil, false, wrapError(UnknownError, err, "decode record in %q", c.def.name)
	}
	return rec, true, nil
}

// Delete removes the record stored under key. Deleting a missing key is not
// an error.
func (c *Collection) Delete(key value.Value) error {
	if err := c.tx.writable(); err != nil {
		return err
	}
	pk, err := value.EncodeKey(key)
	if err != nil {
		return wrapError(DataError, err, "delete from %q", c.def.name)
	}
	return c.deleteEncoded(pk)
}

// Clear removes every record.
func (c *Collection) Clear() error {
	if err := c.tx.writable(); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM index_entries WHERE collection = ?`,
		`DELETE FROM records WHERE collection = ?`,
	} {
		if _, err := c.tx.exec(stmt, c.def.name); err != nil {
			return wrapError(UnknownError, err, "clear %q", c.def.name)
		}
	}
	return nil
}

// Count returns the number of records whose key lies in r (all when nil).
func (c *Collection) Count(r *KeyRange) (int64, error) {
	if err := c.tx.active(); err != nil {
		return 0, err
	}
	b, err := r.encode()
	if err != nil {
		return 0, err
	}
	cond, args := b.where("key")
	var n int64
	err = c.tx.queryRow(`SELECT COUNT(*) FROM records WHERE collection = ?`+cond,
		append([]any{c.def.name}, args...)...).Scan(&n)
	if err != nil {
		return 0, wrapError(UnknownError, err, "count %q", c.def.name)
	}
	return n, nil
}

// OpenCursor opens a cursor over the records in primary key order.
func (c *Collection) OpenCursor(r *KeyRange, dir Direction) (*Cursor, error) {
	return openCursor(c, nil, r, dir)
}

// CreateIndex adds an index and populates it from existing records.
// VersionChange only.
func (c *Collection) CreateIndex(name string, kp KeyPath, opts IndexOptions) (*Index, error) {
	if err := c.tx.schemaChange(); err != nil {
		return nil, err
	}
	name = norm.NFC.String(name)
	if name == "" {
		return nil, newError(DataError, "index name is empty")
	}
	if kp.IsZero() {
		return nil, newError(DataError, "index %q needs a key path", name)
	}
	if opts.MultiEntry && kp.IsCompound() {
		return nil, newError(DataError, "multi-entry index %q cannot use a compound key path", name)
	}
	if _, exists := c.def.indexes[name]; exists {
		return nil, newError(ConstraintError, "index %q already exists on %q", name, c.def.name)
	}

	kpJSON, err := encodeKeyPath(kp)
	if err != nil {
		return nil, wrapError(DataError, err, "encode key path")
	}
	if _, err := c.tx.exec(`INSERT INTO indexes (collection, name, key_path, is_unique, multi_entry) VALUES (?, ?, ?, ?, ?)`,
		c.def.name, name, kpJSON, opts.Unique, opts.MultiEntry); err != nil {
		return nil, wrapError(UnknownError, err, "create index %q", name)
	}

	def := &indexDef{name: name, keyPath: kp, unique: opts.Unique, multiEntry: opts.MultiEntry}
	if err := c.populate(def); err != nil {
		return nil, err
	}
	c.def.indexes[name] = def
	c.tx.db.logger.Debug("index created", "collection", c.def.name, "index", name, "key_path", kp.String())
	return &Index{coll: c, def: def}, nil
}

// DeleteIndex removes an index. VersionChange only.
func (c *Collection) DeleteIndex(name string) error {
	if err := c.tx.schemaChange(); err != nil {
		return err
	}
	name = norm.NFC.String(name)
	if _, ok := c.def.indexes[name]; !ok {
		return newError(NotFoundError, "no index named %q on %q", name, c.def.name)
	}
	for _, stmt := range []string{
		`DELETE FROM index_entries WHERE collection = ? AND idx = ?`,
		`DELETE FROM indexes WHERE collection = ? AND name = ?`,
	} {
		if _, err := c.tx.exec(stmt, c.def.name, name); err != nil {
			return wrapError(UnknownError, err, "delete index %q", name)
		}
	}
	delete(c.def.indexes, name)
	return nil
}

// populate fills a new index from the records already stored.
func (c *Collection) populate(def *indexDef) error {
	type row struct {
		pk  []byte
		rec value.Value
	}

	rows, err := c.tx.query(`SELECT key, value FROM records WHERE collection = ? ORDER BY key`, c.def.name)
	if err != nil {
		return wrapError(UnknownError, err, "scan %q", c.def.name)
	}
	var all []row
	for rows.Next() {
		var (
			pk   []byte
			data string
		)
		if err := rows.Scan(&pk, &data); err != nil {
			rows.Close()
			return wrapError(UnknownError, err, "scan %q", c.def.name)
		}
		rec, err := value.Parse([]byte(data))
		if err != nil {
			rows.Close()
			return wrapError(UnknownError, err, "decode record in %q", c.def.name)
		}
		all = append(all, row{pk: pk, rec: rec})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapError(UnknownError, err, "scan %q", c.def.name)
	}
	rows.Close()

	seen := make(map[string]bool)
	for _, r := range all {
		for _, ik := range def.keys(r.rec) {
			if def.unique {
				if seen[string(ik)] {
					return newError(ConstraintError, "unique index %q would contain duplicate keys", def.name)
				}
				seen[string(ik)] = true
			}
			if err := c.insertEntry(def.name, ik, r.pk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collection) write(record, key value.Value, overwrite bool) (value.Value, error) {
	if err := c.tx.writable(); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, newError(DataError, "record is missing")
	}
	def := c.def

	var err error
	if !def.keyPath.IsZero() {
		if key != nil {
			return nil, newError(DataError, "collection %q uses in-line keys; an explicit key is not allowed", def.name)
		}
		k, ok := def.keyPath.Extract(record)
		if !ok {
			if !def.autoIncrement {
				return nil, newError(DataError, "record has no value at key path %s", def.keyPath)
			}
			if k, err = c.nextKey(); err != nil {
				return nil, err
			}
			if record, err = def.keyPath.inject(record, k); err != nil {
				return nil, err
			}
		}
		key = k
	} else if key == nil {
		if !def.autoIncrement {
			return nil, newError(DataError, "collection %q uses out-of-line keys and no key was given", def.name)
		}
		if key, err = c.nextKey(); err != nil {
			return nil, err
		}
	}

	pk, err := value.EncodeKey(key)
	if err != nil {
		return nil, wrapError(DataError, err, "write to %q", def.name)
	}
	if def.autoIncrement {
		if err := c.bumpKey(key); err != nil {
			return nil, err
		}
	}

	if !overwrite {
		var one int
		err := c.tx.queryRow(`SELECT 1 FROM records WHERE collection = ? AND key = ?`, def.name, pk).Scan(&one)
		if err == nil {
			return nil, newError(ConstraintError, "key already exists in %q", def.name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, wrapError(UnknownError, err, "write to %q", def.name)
		}
	}

	entries := make(map[string][][]byte, len(def.indexes))
	for _, name := range def.indexNames() {
		idx := def.indexes[name]
		keys := idx.keys(record)
		if idx.unique {
			for _, ik := range keys {
				if err := c.checkUnique(idx, ik, pk); err != nil {
					return nil, err
				}
			}
		}
		entries[name] = keys
	}

	data, err := value.Marshal(record)
	if err != nil {
		return nil, wrapError(DataError, err, "encode record for %q", def.name)
	}
	if _, err := c.tx.exec(`
		INSERT INTO records (collection, key, value) VALUES (?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value
	`, def.name, pk, string(data)); err != nil {
		return nil, wrapError(UnknownError, err, "write to %q", def.name)
	}
	if _, err := c.tx.exec(`DELETE FROM index_entries WHERE collection = ? AND pkey = ?`, def.name, pk); err != nil {
		return nil, wrapError(UnknownError, err, "write to %q", def.name)
	}
	for name, keys := range entries {
		for _, ik := range keys {
			if err := c.insertEntry(name, ik, pk); err != nil {
				return nil, err
			}
		}
	}
	return key, nil
}

func (c *Collection) insertEntry(index string, ik, pk []byte) error {
	if _, err := c.tx.exec(`INSERT OR IGNORE INTO index_entries (collection, idx, ikey, pkey) VALUES (?, ?, ?, ?)`,
		c.def.name, index, ik, pk); err != nil {
		return wrapError(UnknownError, err, "index %q", index)
	}
	return nil
}

func (c *Collection) checkUnique(idx *indexDef, ik, pk []byte) error {
	var other []byte
	err := c.tx.queryRow(`SELECT pkey FROM index_entries WHERE collection = ? AND idx = ? AND ikey = ? AND pkey <> ? LIMIT 1`,
		c.def.name, idx.name, ik, pk).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapError(UnknownError, err, "check unique index %q", idx.name)
	}
	return newError(ConstraintError, "unique index %q already contains this key", idx.name)
}

func (c *Collection) deleteEncoded(pk []byte) error {
	for _, stmt := range []string{
		`DELETE FROM index_entries WHERE collection = ? AND pkey = ?`,
		`DELETE FROM records WHERE collection = ? AND key = ?`,
	} {
		if _, err := c.tx.exec(stmt, c.def.name, pk); err != nil {
			return wrapError(UnknownError, err, "delete from %q", c.def.name)
		}
	}
	return nil
}

// nextKey takes the next generated key.
func (c *Collection) nextKey() (value.Value, error) {
	var n int64
	if err := c.tx.queryRow(`SELECT next_key FROM collections WHERE name = ?`, c.def.name).Scan(&n); err != nil {
		return nil, wrapError(UnknownError, err, "generate key for %q", c.def.name)
	}
	if n > 1<<53 {
		return nil, newError(ConstraintError, "key generator for %q is exhausted", c.def.name)
	}
	if _, err := c.tx.exec(`UPDATE collections SET next_key = ? WHERE name = ?`, n+1, c.def.name); err != nil {
		return nil, wrapError(UnknownError, err, "generate key for %q", c.def.name)
	}
	return value.Int(n), nil
}

// bumpKey moves the generator past an explicitly supplied numeric key.
func (c *Collection) bumpKey(key value.Value) error {
	f, ok := value.Number(key)
	if !ok || f < 1 {
		return nil
	}
	next := int64(math.Min(math.Floor(f), 1<<53)) + 1
	if _, err := c.tx.exec(`UPDATE collections SET next_key = ? WHERE name = ? AND next_key < ?`,
		next, c.def.name, next); err != nil {
		return wrapError(UnknownError, err, "update key generator for %q", c.def.name)
	}
	return nil
}

// keys returns the encoded index keys a record contributes. Records whose
// key path is missing or not a valid key are not indexed.
func (d *indexDef) keys(record value.Value) [][]byte {
	v, ok := d.keyPath.Extract(record)
	if !ok {
		return nil
	}
	if arr, isArr := v.(value.Array); isArr && d.multiEntry {
		var out [][]byte
		for _, elem := range arr {
			enc, err := value.EncodeKey(elem)
			if err != nil {
				continue
			}
			dup := false
			for _, prev := range out {
				if bytes.Equal(prev, enc) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, enc)
			}
		}
		return out
	}
	enc, err := value.EncodeKey(v)
	if err != nil {
		return nil
	}
	return [][]byte{enc}
}
