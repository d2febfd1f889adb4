package recordstore

import (
	"bytes"
	"database/sql"
	"errors"
	"strings"

	"github.com/roach88/ifgate/internal/value"
)

// Direction is a cursor direction.
type Direction int

const (
	// Next iterates in ascending key order.
	Next Direction = iota
	// Prev iterates in descending key order.
	Prev
)

// String returns "next" or "prev".
func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

// Cursor iterates a collection or an index within a key range.
//
// A freshly opened cursor is positioned on the first entry, if any. Every
// step issues one indexed query from the current position, so records may be
// updated or deleted through the cursor while iterating.
//
//	for cur.Valid() {
//		use(cur.Value())
//		if err := cur.Continue(); err != nil {
//			return err
//		}
//	}
type Cursor struct {
	coll  *Collection
	index *indexDef
	b     bounds
	dir   Direction

	valid bool
	key   []byte // index key, or primary key for collection cursors
	pkey  []byte
	val   value.Value
}

func openCursor(coll *Collection, index *indexDef, r *KeyRange, dir Direction) (*Cursor, error) {
	if err := coll.tx.active(); err != nil {
		return nil, err
	}
	b, err := r.encode()
	if err != nil {
		return nil, err
	}
	c := &Cursor{coll: coll, index: index, b: b, dir: dir}
	if err := c.seek(nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Direction returns the iteration direction.
func (c *Cursor) Direction() Direction { return c.dir }

// Key returns the current index key (or primary key for collection cursors).
func (c *Cursor) Key() value.Value { return decodeOrNil(c.key) }

// PrimaryKey returns the current record's primary key.
func (c *Cursor) PrimaryKey() value.Value { return decodeOrNil(c.pkey) }

// Value returns the current record.
func (c *Cursor) Value() value.Value { return c.val }

// Continue advances to the next entry.
func (c *Cursor) Continue() error {
	if !c.valid {
		return newError(InvalidStateError, "cursor is exhausted")
	}
	return c.seek(nil)
}

// ContinueTo advances to the first entry whose key is at or beyond key in
// the cursor direction. key must lie strictly beyond the current key.
func (c *Cursor) ContinueTo(key value.Value) error {
	if !c.valid {
		return newError(InvalidStateError, "cursor is exhausted")
	}
	target, err := value.EncodeKey(key)
	if err != nil {
		return wrapError(DataError, err, "continue to")
	}
	cmp := bytes.Compare(target, c.key)
	if (c.dir == Next && cmp <= 0) || (c.dir == Prev && cmp >= 0) {
		return newError(DataError, "continue target does not lie beyond the current key")
	}
	return c.seek(target)
}

// Exhaust moves the cursor past the end of its range without reading the
// remaining entries.
func (c *Cursor) Exhaust() {
	c.valid = false
	c.key, c.pkey, c.val = nil, nil, nil
}

// Update replaces the current record. For collections with in-line keys the
// record's key must not change.
func (c *Cursor) Update(record value.Value) error {
	if !c.valid {
		return newError(InvalidStateError, "cursor is exhausted")
	}
	var key value.Value
	if kp := c.coll.def.keyPath; !kp.IsZero() {
		k, ok := kp.Extract(record)
		if !ok {
			return newError(DataError, "updated record has no value at key path %s", kp)
		}
		enc, err := value.EncodeKey(k)
		if err != nil || !bytes.Equal(enc, c.pkey) {
			return newError(DataError, "cursor update must not change the record key")
		}
	} else {
		key = c.PrimaryKey()
	}
	if _, err := c.coll.write(record, key, true); err != nil {
		return err
	}
	c.val = record
	return nil
}

// Delete removes the current record. The cursor stays positioned so
// Continue moves on to the following entry.
func (c *Cursor) Delete() error {
	if !c.valid {
		return newError(InvalidStateError, "cursor is exhausted")
	}
	if err := c.coll.tx.writable(); err != nil {
		return err
	}
	return c.coll.deleteEncoded(c.pkey)
}

// seek moves to the next entry after the current position, at or beyond
// target when given.
func (c *Cursor) seek(target []byte) error {
	var (
		q    strings.Builder
		args []any
	)
	asc := c.dir == Next
	gt, ge, order := " > ?", " >= ?", "ASC"
	if !asc {
		gt, ge, order = " < ?", " <= ?", "DESC"
	}

	if c.index == nil {
		q.WriteString(`SELECT key, key, value FROM records WHERE collection = ?`)
		args = append(args, c.coll.def.name)
		cond, bargs := c.b.where("key")
		q.WriteString(cond)
		args = append(args, bargs...)
		if c.key != nil {
			q.WriteString(" AND key" + gt)
			args = append(args, c.key)
		}
		if target != nil {
			q.WriteString(" AND key" + ge)
			args = append(args, target)
		}
		q.WriteString(" ORDER BY key " + order + " LIMIT 1")
	} else {
		q.WriteString(`SELECT e.ikey, e.pkey, r.value FROM index_entries e
			JOIN records r ON r.collection = e.collection AND r.key = e.pkey
			WHERE e.collection = ? AND e.idx = ?`)
		args = append(args, c.coll.def.name, c.index.name)
		cond, bargs := c.b.where("e.ikey")
		q.WriteString(cond)
		args = append(args, bargs...)
		if c.key != nil {
			q.WriteString(" AND (e.ikey" + gt + " OR (e.ikey = ? AND e.pkey" + gt + "))")
			args = append(args, c.key, c.key, c.pkey)
		}
		if target != nil {
			q.WriteString(" AND e.ikey" + ge)
			args = append(args, target)
		}
		q.WriteString(" ORDER BY e.ikey " + order + ", e.pkey " + order + " LIMIT 1")
	}

	var (
		key, pkey []byte
		data      string
	)
	err := c.coll.tx.queryRow(q.String(), args...).Scan(&key, &pkey, &data)
	if errors.Is(err, sql.ErrNoRows) {
		c.Exhaust()
		return nil
	}
	if err != nil {
		return wrapError(UnknownError, err, "cursor on %q", c.coll.def.name)
	}
	rec, err := value.Parse([]byte(data))
	if err != nil {
		return wrapError(UnknownError, err, "decode record in %q", c.coll.def.name)
	}
	c.valid, c.key, c.pkey, c.val = true, key, pkey, rec
	return nil
}

func decodeOrNil(enc []byte) value.Value {
	if enc == nil {
		return nil
	}
	v, err := value.DecodeKey(enc)
	if err != nil {
		return nil
	}
	return v
}
