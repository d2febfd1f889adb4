package query

import (
	"errors"
	"fmt"

	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/value"
)

// ErrNoCursor is returned when no scan could be derived from a Spec.
var ErrNoCursor = errors.New("No Cursor")

// Catalog is the part of a collection the planner reads.
type Catalog interface {
	IndexNames() []string
	Index(name string) (*recordstore.Index, error)
}

// Plan is a compiled scan.
type Plan struct {
	// Index is the scanned index, or "" for the primary key.
	Index     string
	Range     *recordstore.KeyRange
	Direction recordstore.Direction
}

// String renders the plan, e.g. "index sent [5, 10) next".
func (p Plan) String() string {
	target := "primary"
	if p.Index != "" {
		target = "index " + p.Index
	}
	return fmt.Sprintf("%s %s %s", target, p.Range, p.Direction)
}

// Compile derives the scan for spec against the indexes of cat.
func Compile(spec Spec, cat Catalog) (Plan, error) {
	switch s := spec.(type) {
	case Conditions:
		return compileConditions(s, cat)
	case IndexBound:
		return compileIndexBound(s, cat)
	case KeyRange:
		return compileKeyRange(s)
	case Sort:
		if _, err := cat.Index(s.Index); err != nil {
			return Plan{}, err
		}
		return Plan{Index: s.Index, Direction: direction(s.Order)}, nil
	case FullScan:
		return Plan{Direction: recordstore.Next}, nil
	}
	return Plan{}, ErrNoCursor
}

func compileConditions(s Conditions, cat Catalog) (Plan, error) {
	for _, name := range cat.IndexNames() {
		idx, err := cat.Index(name)
		if err != nil {
			return Plan{}, err
		}
		field, ok := idx.KeyPath().Single()
		if !ok {
			continue
		}
		cond, ok := s.Fields[field]
		if !ok || isNull(cond) {
			continue
		}
		r, dir, err := conditionRange(cond)
		if err != nil {
			return Plan{}, fmt.Errorf("condition on %s: %w", field, err)
		}
		return Plan{Index: name, Range: r, Direction: dir}, nil
	}
	// No index covers any field: scan everything unfiltered.
	return Plan{Direction: recordstore.Next}, nil
}

func conditionRange(cond value.Value) (*recordstore.KeyRange, recordstore.Direction, error) {
	switch c := cond.(type) {
	case value.Array:
		if len(c) != 2 {
			break
		}
		lower, upper := c[0], c[1]
		cmp, err := value.CompareKeys(lower, upper)
		if err != nil {
			return nil, 0, invalidKey(err)
		}
		dir := recordstore.Next
		if cmp > 0 {
			lower, upper = upper, lower
			dir = recordstore.Prev
		}
		r, err := recordstore.Bound(lower, upper, false, true)
		return r, dir, err

	case value.Object:
		gt, hasGT := c["$gt"]
		gte, hasGTE := c["$gte"]
		lt, hasLT := c["$lt"]
		lte, hasLTE := c["$lte"]
		if !hasGT && !hasGTE && !hasLT && !hasLTE {
			break
		}
		r := &recordstore.KeyRange{}
		switch {
		case hasGT:
			r.Lower, r.LowerOpen = gt, true
		case hasGTE:
			r.Lower = gte
		}
		switch {
		case hasLT:
			r.Upper, r.UpperOpen = lt, true
		case hasLTE:
			r.Upper = lte
		}
		if r.Lower != nil && r.Upper != nil {
			r, err := recordstore.Bound(r.Lower, r.Upper, r.LowerOpen, r.UpperOpen)
			return r, recordstore.Next, err
		}
		if r.Lower != nil {
			r, err := recordstore.LowerBound(r.Lower, r.LowerOpen)
			return r, recordstore.Next, err
		}
		r, err := recordstore.UpperBound(r.Upper, r.UpperOpen)
		return r, recordstore.Next, err

	default:
		r, err := recordstore.Only(cond)
		return r, recordstore.Next, err
	}
	return nil, 0, &recordstore.Error{Name: recordstore.DataError, Message: "unsupported condition"}
}

func compileIndexBound(s IndexBound, cat Catalog) (Plan, error) {
	if _, err := cat.Index(s.Name); err != nil {
		return Plan{}, err
	}
	p := Plan{Index: s.Name, Direction: direction(s.Order)}

	var err error
	switch {
	case s.Lower != nil && s.Upper != nil:
		p.Range, err = recordstore.Bound(s.Lower, s.Upper, s.ExcludeLower, s.ExcludeUpper)
	case s.Lower != nil:
		p.Range, err = recordstore.LowerBound(s.Lower, s.ExcludeLower)
	case s.Upper != nil:
		p.Range, err = recordstore.UpperBound(s.Upper, s.ExcludeUpper)
	case s.Only != nil:
		p.Range, err = recordstore.Only(s.Only)
	}
	return p, err
}

func compileKeyRange(s KeyRange) (Plan, error) {
	lower, upper := s.From, s.To
	cmp, err := value.CompareKeys(lower, upper)
	if err != nil {
		return Plan{}, invalidKey(err)
	}
	dir := recordstore.Next
	if cmp > 0 {
		lower, upper = upper, lower
		dir = recordstore.Prev
	}
	r, err := recordstore.Bound(lower, upper, false, false)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Range: r, Direction: dir}, nil
}

func direction(o Order) recordstore.Direction {
	if o == Desc {
		return recordstore.Prev
	}
	return recordstore.Next
}

func invalidKey(err error) error {
	return &recordstore.Error{Name: recordstore.DataError, Message: "invalid key", Err: err}
}
