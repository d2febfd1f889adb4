package recordstore

import (
	"database/sql"
	"errors"

	"github.com/roach88/ifgate/internal/value"
)

// Index is a secondary index bound to a transaction.
type Index struct {
	coll *Collection
	def  *indexDef
}

// Name returns the index name.
func (i *Index) Name() string { return i.def.name }

// KeyPath returns the index key path.
func (i *Index) KeyPath() KeyPath { return i.def.keyPath }

// Unique reports whether the index rejects duplicate keys.
func (i *Index) Unique() bool { return i.def.unique }

// MultiEntry reports whether array values are indexed per element.
func (i *Index) MultiEntry() bool { return i.def.multiEntry }

// Collection returns the indexed collection.
func (i *Index) Collection() *Collection { return i.coll }

// Get returns the first record (lowest primary key) whose index key equals
// key.
func (i *Index) Get(key value.Value) (value.Value, bool, error) {
	if err := i.coll.tx.active(); err != nil {
		return nil, false, err
	}
	ik, err := value.EncodeKey(key)
	if err != nil {
		return nil, false, wrapError(DataError, err, "get from index %q", i.def.name)
	}

	var data string
	err = i.coll.tx.queryRow(`
		SELECT r.value FROM index_entries e
		JOIN records r ON r.collection = e.collection AND r.key = e.pkey
		WHERE e.collection = ? AND e.idx = ? AND e.ikey = ?
		ORDER BY e.pkey ASC LIMIT 1
	`, i.coll.def.name, i.def.name, ik).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError(UnknownError, err, "get from index %q", i.def.name)
	}
	rec, err := value.Parse([]byte(data))
	if err != nil {
		return nil, false, wrapError(UnknownError, err, "decode record in %q", i.coll.def.name)
	}
	return rec, true, nil
}

// Count returns the number of index entries whose key lies in r.
func (i *Index) Count(r *KeyRange) (int64, error) {
	if err := i.coll.tx.active(); err != nil {
		return 0, err
	}
	b, err := r.encode()
	if err != nil {
		return 0, err
	}
	cond, args := b.where("ikey")
	var n int64
	err = i.coll.tx.queryRow(`SELECT COUNT(*) FROM index_entries WHERE collection = ? AND idx = ?`+cond,
		append([]any{i.coll.def.name, i.def.name}, args...)...).Scan(&n)
	if err != nil {
		return 0, wrapError(UnknownError, err, "count index %q", i.def.name)
	}
	return n, nil
}

// OpenCursor opens a cursor over the index in (index key, primary key)
// order.
func (i *Index) OpenCursor(r *KeyRange, dir Direction) (*Cursor, error) {
	return openCursor(i.coll, i.def, r, dir)
}
