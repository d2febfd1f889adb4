package recordstore

import (
	"bytes"
	"strings"

	"github.com/roach88/ifgate/internal/value"
)

// KeyRange bounds a scan. A nil Lower or Upper leaves that side open-ended.
type KeyRange struct {
	Lower     value.Value
	Upper     value.Value
	LowerOpen bool
	UpperOpen bool
}

// Only matches exactly key.
func Only(key value.Value) (*KeyRange, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &KeyRange{Lower: key, Upper: key}, nil
}

// LowerBound matches keys above key (strictly when open).
func LowerBound(key value.Value, open bool) (*KeyRange, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &KeyRange{Lower: key, LowerOpen: open}, nil
}

// UpperBound matches keys below key (strictly when open).
func UpperBound(key value.Value, open bool) (*KeyRange, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &KeyRange{Upper: key, UpperOpen: open}, nil
}

// Bound matches keys between lower and upper. Lower must not exceed upper,
// and equal bounds must both be closed.
func Bound(lower, upper value.Value, lowerOpen, upperOpen bool) (*KeyRange, error) {
	if err := checkKey(lower); err != nil {
		return nil, err
	}
	if err := checkKey(upper); err != nil {
		return nil, err
	}
	c, _ := value.CompareKeys(lower, upper)
	if c > 0 || (c == 0 && (lowerOpen || upperOpen)) {
		return nil, newError(DataError, "lower bound is greater than upper bound")
	}
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}, nil
}

// Includes reports whether key lies inside the range.
func (r *KeyRange) Includes(key value.Value) (bool, error) {
	enc, err := value.EncodeKey(key)
	if err != nil {
		return false, wrapError(DataError, err, "invalid key")
	}
	b, err := r.encode()
	if err != nil {
		return false, err
	}
	return b.includes(enc), nil
}

// String renders the range in interval notation, e.g. "[5, 10)".
func (r *KeyRange) String() string {
	if r == nil {
		return "(-inf, +inf)"
	}
	var sb strings.Builder
	if r.Lower == nil {
		sb.WriteString("(-inf")
	} else {
		if r.LowerOpen {
			sb.WriteByte('(')
		} else {
			sb.WriteByte('[')
		}
		sb.WriteString(renderKey(r.Lower))
	}
	sb.WriteString(", ")
	if r.Upper == nil {
		sb.WriteString("+inf)")
	} else {
		sb.WriteString(renderKey(r.Upper))
		if r.UpperOpen {
			sb.WriteByte(')')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}

func renderKey(k value.Value) string {
	data, err := value.Marshal(k)
	if err != nil {
		return "?"
	}
	return string(data)
}

func checkKey(key value.Value) error {
	if err := value.ValidateKey(key); err != nil {
		return wrapError(DataError, err, "invalid key")
	}
	return nil
}

// bounds is a KeyRange with encoded keys.
type bounds struct {
	lower, upper         []byte
	lowerOpen, upperOpen bool
}

func (r *KeyRange) encode() (bounds, error) {
	var b bounds
	if r == nil {
		return b, nil
	}
	var err error
	if r.Lower != nil {
		if b.lower, err = value.EncodeKey(r.Lower); err != nil {
			return b, wrapError(DataError, err, "invalid lower bound")
		}
	}
	if r.Upper != nil {
		if b.upper, err = value.EncodeKey(r.Upper); err != nil {
			return b, wrapError(DataError, err, "invalid upper bound")
		}
	}
	b.lowerOpen, b.upperOpen = r.LowerOpen, r.UpperOpen
	return b, nil
}

// where renders the bounds as SQL conditions on col.
func (b bounds) where(col string) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	if b.lower != nil {
		op := " >= ?"
		if b.lowerOpen {
			op = " > ?"
		}
		sb.WriteString(" AND " + col + op)
		args = append(args, b.lower)
	}
	if b.upper != nil {
		op := " <= ?"
		if b.upperOpen {
			op = " < ?"
		}
		sb.WriteString(" AND " + col + op)
		args = append(args, b.upper)
	}
	return sb.String(), args
}

func (b bounds) includes(enc []byte) bool {
	if b.lower != nil {
		c := bytes.Compare(enc, b.lower)
		if c < 0 || (c == 0 && b.lowerOpen) {
			return false
		}
	}
	if b.upper != nil {
		c := bytes.Compare(enc, b.upper)
		if c > 0 || (c == 0 && b.upperOpen) {
			return false
		}
	}
	return true
}
