package gateway

import (
	"context"
	"fmt"

	"github.com/roach88/ifgate/internal/ifrpc"
	"github.com/roach88/ifgate/internal/query"
	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/value"
)

const defaultIDAttribute = "id"

// request is the keyword argument object shared by the record commands.
type request struct {
	Store       string
	JSON        value.Value
	IDAttribute string
	IDFallback  value.Value
	Index       value.Object
}

func parseRequest(call *ifrpc.Call) (request, error) {
	obj, ok := call.Arg(0).(value.Object)
	if !ok {
		return request{}, dataError("%s: arguments must be an object", call.Name)
	}
	store, ok := value.AsString(obj["storeName"])
	if !ok || store == "" {
		return request{}, dataError("%s: storeName is required", call.Name)
	}
	req := request{
		Store:       store,
		JSON:        obj["json"],
		IDAttribute: defaultIDAttribute,
		IDFallback:  present(obj["idFallback"]),
	}
	if attr, ok := value.AsString(obj["idAttribute"]); ok && attr != "" {
		req.IDAttribute = attr
	}
	if idx, ok := obj["index"].(value.Object); ok {
		req.Index = idx
	}
	return req, nil
}

// record returns the json argument as an object.
func (r request) record() (value.Object, error) {
	obj, ok := r.JSON.(value.Object)
	if !ok {
		return nil, dataError("json must be an object")
	}
	return obj, nil
}

// key returns the primary key of the json argument: the store's key path
// when it has one, else the idAttribute field.
func (r request) key(c *recordstore.Collection) (value.Value, bool) {
	if !c.KeyPath().IsZero() {
		return c.KeyPath().Extract(r.JSON)
	}
	obj, ok := r.JSON.(value.Object)
	if !ok {
		return nil, false
	}
	k, ok := obj[r.IDAttribute]
	return k, ok && present(k) != nil
}

func (d *driver) view(ctx context.Context, store string, fn func(c *recordstore.Collection) error) error {
	return d.db.View(ctx, func(tx *recordstore.Tx) error {
		c, err := tx.Collection(store)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

func (d *driver) write(ctx context.Context, store string, fn func(c *recordstore.Collection) error) error {
	return d.db.Update(ctx, func(tx *recordstore.Tx) error {
		c, err := tx.Collection(store)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

// create adds the json record and returns its key. A duplicate key fails
// with ConstraintError.
func (d *driver) create(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := parseRequest(call)
	if err != nil {
		return nil, err
	}
	rec, err := req.record()
	if err != nil {
		return nil, err
	}

	var key value.Value
	err = d.write(ctx, req.Store, func(c *recordstore.Collection) error {
		rec = d.withFallback(c, req, rec)
		var explicit value.Value
		if c.KeyPath().IsZero() {
			explicit = rec[req.IDAttribute]
		}
		key, err = c.Add(rec, explicit)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("record created", "store", req.Store, "key", key)
	return key, nil
}

// withFallback fills the key field with idFallback when the record lacks
// it and the store cannot generate one.
func (d *driver) withFallback(c *recordstore.Collection, req request, rec value.Object) value.Object {
	if req.IDFallback == nil || c.AutoIncrement() {
		return rec
	}
	field := req.IDAttribute
	if path, ok := c.KeyPath().Single(); ok {
		field = path
	}
	if _, has := rec[field]; has {
		return rec
	}
	rec = rec.Clone()
	rec[field] = req.IDFallback
	return rec
}

// read returns one record or null. The record is selected by its key when
// json carries one, else by {index: {name, value}}; anything else is
// ambiguous and rejected.
func (d *driver) read(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := parseRequest(call)
	if err != nil {
		return nil, err
	}

	var out value.Value = value.Null{}
	err = d.view(ctx, req.Store, func(c *recordstore.Collection) error {
		if key, ok := req.key(c); ok {
			rec, found, err := c.Get(key)
			if found {
				out = rec
			}
			return err
		}
		if req.Index != nil {
			name, ok := value.AsString(req.Index["name"])
			if !ok || name == "" {
				return dataError("read: index requires name")
			}
			idx, err := c.Index(name)
			if err != nil {
				return err
			}
			rec, found, err := idx.Get(req.Index["value"])
			if found {
				out = rec
			}
			return err
		}
		return dataError("ambiguous read: json has no key and no index was given")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// update stores the json record, replacing any record with its key.
func (d *driver) update(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := parseRequest(call)
	if err != nil {
		return nil, err
	}
	rec, err := req.record()
	if err != nil {
		return nil, err
	}

	var key value.Value
	err = d.write(ctx, req.Store, func(c *recordstore.Collection) error {
		var explicit value.Value
		if c.KeyPath().IsZero() {
			explicit = rec[req.IDAttribute]
		}
		key, err = c.Put(rec, explicit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// delete removes the record whose key json carries. Deleting a missing
// record succeeds.
func (d *driver) delete(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := parseRequest(call)
	if err != nil {
		return nil, err
	}
	err = d.write(ctx, req.Store, func(c *recordstore.Collection) error {
		key, ok := req.key(c)
		if !ok {
			return dataError("delete: json has no key")
		}
		return c.Delete(key)
	})
	return nil, err
}

// clear removes every record of the store.
func (d *driver) clear(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := parseRequest(call)
	if err != nil {
		return nil, err
	}
	return nil, d.write(ctx, req.Store, func(c *recordstore.Collection) error {
		return c.Clear()
	})
}

// count returns the number of records in the store, or in a bounded range
// of an index: {index: name, bound: {lower, upper, lowerOpen?, upperOpen?}}.
// The older form carries the bound inside the index object,
// {index: {name, lower, upper, lowerOpen?, upperOpen?}}.
func (d *driver) count(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := parseRequest(call)
	if err != nil {
		return nil, err
	}
	name, bound, err := countRange(call.Arg(0).(value.Object))
	if err != nil {
		return nil, err
	}

	var n int64
	err = d.view(ctx, req.Store, func(c *recordstore.Collection) error {
		if name == "" {
			n, err = c.Count(nil)
			return err
		}
		lower, upper := present(bound["lower"]), present(bound["upper"])
		if lower == nil || upper == nil {
			return dataError("count: index %s requires lower and upper", name)
		}
		r, err := recordstore.Bound(lower, upper,
			value.Truthy(bound["lowerOpen"]), value.Truthy(bound["upperOpen"]))
		if err != nil {
			return err
		}
		idx, err := c.Index(name)
		if err != nil {
			return err
		}
		n, err = idx.Count(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// countRange extracts the index name and bound of a count request. An empty
// name means the whole store is counted.
func countRange(args value.Object) (string, value.Object, error) {
	switch idx := args["index"].(type) {
	case nil, value.Null:
		return "", nil, nil
	case value.String:
		if idx == "" {
			return "", nil, nil
		}
		bound, ok := args["bound"].(value.Object)
		if !ok {
			return "", nil, dataError("count: unsupported key range for index %s", string(idx))
		}
		return string(idx), bound, nil
	case value.Object:
		name, ok := value.AsString(idx["name"])
		if !ok || name == "" {
			return "", nil, dataError("count: index requires name")
		}
		if bound, ok := args["bound"].(value.Object); ok {
			return name, bound, nil
		}
		return name, idx, nil
	}
	return "", nil, dataError("count: index must be a name")
}

// query runs a query request. A named filter is invoked on the peer with
// each candidate record and its result is read for truthiness.
func (d *driver) query(ctx context.Context, call *ifrpc.Call) (any, error) {
	req, err := query.Decode(call.Arg(0))
	if err != nil {
		return nil, &recordstore.Error{Name: recordstore.DataError, Message: "query", Err: err}
	}

	var filter query.Filter
	if req.Filter != "" {
		filter = func(ctx context.Context, rec value.Value) (bool, error) {
			res, err := d.g.ch.InvokeCommand(ctx, req.Filter, rec)
			if err != nil {
				return false, err
			}
			return value.Truthy(res), nil
		}
	}

	var out []value.Value
	err = d.view(ctx, req.Store, func(c *recordstore.Collection) error {
		out, err = query.Run(ctx, c, req, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("query served", "store", req.Store, "type", req.Spec.Kind(), "results", len(out))
	return value.Array(out), nil
}

func (d *driver) objectStoreNames(context.Context, *ifrpc.Call) (any, error) {
	return d.db.ObjectStoreNames(), nil
}

func dataError(format string, args ...any) error {
	return &recordstore.Error{Name: recordstore.DataError, Message: fmt.Sprintf(format, args...)}
}

func present(v value.Value) value.Value {
	if v == nil {
		return nil
	}
	if _, null := v.(value.Null); null {
		return nil
	}
	return v
}
