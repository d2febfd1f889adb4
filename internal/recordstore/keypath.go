package recordstore

import (
	"strings"

	"github.com/roach88/ifgate/internal/value"
)

// KeyPath locates a key inside a record: a single dotted field path
// ("sent", "meta.id") or a compound list of paths (["threadId", "sent"]).
// The zero KeyPath means keys are supplied out of line.
type KeyPath struct {
	paths    []string
	compound bool
}

// Path returns a single-field key path. An empty path yields the zero
// KeyPath.
func Path(p string) KeyPath {
	if p == "" {
		return KeyPath{}
	}
	return KeyPath{paths: []string{p}}
}

// Compound returns a key path producing an array key from several fields.
func Compound(paths ...string) KeyPath {
	return KeyPath{paths: append([]string(nil), paths...), compound: true}
}

// ParseKeyPath reads a key path from its value form: Null, a String or an
// Array of Strings.
func ParseKeyPath(v value.Value) (KeyPath, error) {
	switch kp := v.(type) {
	case nil, value.Null:
		return KeyPath{}, nil
	case value.String:
		return Path(string(kp)), nil
	case value.Array:
		paths := make([]string, 0, len(kp))
		for i, elem := range kp {
			s, ok := elem.(value.String)
			if !ok || s == "" {
				return KeyPath{}, newError(DataError, "key path element %d is not a field name", i)
			}
			paths = append(paths, string(s))
		}
		if len(paths) == 0 {
			return KeyPath{}, newError(DataError, "empty compound key path")
		}
		return Compound(paths...), nil
	}
	return KeyPath{}, newError(DataError, "key path must be a string or array of strings, got %T", v)
}

// IsZero reports whether no key path is set.
func (k KeyPath) IsZero() bool { return len(k.paths) == 0 }

// IsCompound reports whether the key path yields array keys.
func (k KeyPath) IsCompound() bool { return k.compound }

// Paths returns the field paths.
func (k KeyPath) Paths() []string { return append([]string(nil), k.paths...) }

// Single returns the field path of a non-compound key path.
func (k KeyPath) Single() (string, bool) {
	if k.compound || len(k.paths) != 1 {
		return "", false
	}
	return k.paths[0], true
}

// Value returns the value form accepted by ParseKeyPath.
func (k KeyPath) Value() value.Value {
	if k.IsZero() {
		return value.Null{}
	}
	if !k.compound {
		return value.String(k.paths[0])
	}
	arr := make(value.Array, len(k.paths))
	for i, p := range k.paths {
		arr[i] = value.String(p)
	}
	return arr
}

// String renders the key path for logs and plans.
func (k KeyPath) String() string {
	switch {
	case k.IsZero():
		return "<none>"
	case !k.compound:
		return k.paths[0]
	}
	return "[" + strings.Join(k.paths, ",") + "]"
}

// Equal reports whether two key paths are identical.
func (k KeyPath) Equal(other KeyPath) bool {
	if k.compound != other.compound || len(k.paths) != len(other.paths) {
		return false
	}
	for i := range k.paths {
		if k.paths[i] != other.paths[i] {
			return false
		}
	}
	return true
}

// Extract evaluates the key path against record. The second result is false
// when any path is missing.
func (k KeyPath) Extract(record value.Value) (value.Value, bool) {
	if k.IsZero() {
		return nil, false
	}
	if !k.compound {
		return lookup(record, k.paths[0])
	}
	out := make(value.Array, 0, len(k.paths))
	for _, p := range k.paths {
		v, ok := lookup(record, p)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// inject stores key at the key path inside record, creating intermediate
// objects. Only valid for single-field key paths.
func (k KeyPath) inject(record value.Value, key value.Value) (value.Value, error) {
	p, ok := k.Single()
	if !ok {
		return nil, newError(DataError, "cannot assign a generated key to compound key path %s", k)
	}
	obj, ok := record.(value.Object)
	if !ok {
		return nil, newError(DataError, "record with in-line keys must be an object")
	}
	obj = obj.Clone()

	cur := obj
	parts := strings.Split(p, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(value.Object)
		if !ok {
			if _, exists := cur[part]; exists {
				return nil, newError(DataError, "key path %s crosses a non-object field", k)
			}
			next = value.Object{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = key
	return obj, nil
}

func lookup(record value.Value, path string) (value.Value, bool) {
	cur := record
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(value.Object)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
