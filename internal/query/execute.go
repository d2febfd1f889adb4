package query

import (
	"context"
	"fmt"

	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/value"
)

// Filter decides whether a candidate record is part of the result.
type Filter func(ctx context.Context, record value.Value) (bool, error)

// Scanner opens cursors over a collection or one of its indexes.
type Scanner interface {
	Catalog
	OpenCursor(r *recordstore.KeyRange, dir recordstore.Direction) (*recordstore.Cursor, error)
}

// Execute runs plan over coll. The first offset accepted records are
// skipped; collection stops after limit records (negative means no limit)
// and the cursor is moved to the end of the plan's range. A nil filter
// accepts every record.
func Execute(ctx context.Context, coll Scanner, plan Plan, offset, limit int, filter Filter) ([]value.Value, error) {
	var (
		cur *recordstore.Cursor
		err error
	)
	if plan.Index == "" {
		cur, err = coll.OpenCursor(plan.Range, plan.Direction)
	} else {
		idx, ierr := coll.Index(plan.Index)
		if ierr != nil {
			return nil, ierr
		}
		cur, err = idx.OpenCursor(plan.Range, plan.Direction)
	}
	if err != nil {
		return nil, err
	}

	results := []value.Value{}
	skipped := 0
	for cur.Valid() {
		if limit >= 0 && len(results) >= limit {
			if err := finish(cur, plan); err != nil {
				return nil, err
			}
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := cur.Value()
		accept := true
		if filter != nil {
			if accept, err = filter(ctx, rec); err != nil {
				return nil, fmt.Errorf("filter: %w", err)
			}
		}
		if accept {
			if skipped < offset {
				skipped++
			} else {
				results = append(results, rec)
			}
		}
		if err := cur.Continue(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// finish advances cur straight to the far bound of the plan's range and
// exhausts it.
func finish(cur *recordstore.Cursor, plan Plan) error {
	if r := plan.Range; r != nil && cur.Valid() {
		end := r.Upper
		if plan.Direction == recordstore.Prev {
			end = r.Lower
		}
		if end != nil {
			cmp, err := value.CompareKeys(end, cur.Key())
			if err != nil {
				return err
			}
			if (plan.Direction == recordstore.Next && cmp > 0) || (plan.Direction == recordstore.Prev && cmp < 0) {
				if err := cur.ContinueTo(end); err != nil {
					return err
				}
			}
		}
	}
	cur.Exhaust()
	return nil
}

// Run compiles req against coll and executes the plan.
func Run(ctx context.Context, coll Scanner, req Request, filter Filter) ([]value.Value, error) {
	plan, err := Compile(req.Spec, coll)
	if err != nil {
		return nil, err
	}
	return Execute(ctx, coll, plan, req.Offset, req.Limit, filter)
}
