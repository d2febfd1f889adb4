package query

import (
	"fmt"
	"strings"

	"github.com/roach88/ifgate/internal/value"
)

// Spec describes how a query selects and orders records.
//
// This is a sealed interface - only types in this package implement it.
// Spec cases:
//   - Conditions: bound derived from the first index matching a field
//   - IndexBound: explicit bound on a named index
//   - KeyRange: bound on the primary key
//   - Sort: full scan of a named index
//   - FullScan: primary key, ascending
type Spec interface {
	specNode()
	// Kind returns the wire tag of the case.
	Kind() string
}

// Order is a requested scan order.
type Order int

const (
	Asc Order = iota
	Desc
)

// String returns "asc" or "desc".
func (o Order) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// Conditions maps record fields to a constraint: a two-element [from, to]
// array, an object with $gt/$gte and/or $lt/$lte, or a scalar for an exact
// match. Only the first index (by name) whose key path is one of the fields
// is used; the other fields are not applied.
type Conditions struct {
	Fields value.Object
}

// IndexBound bounds a named index. Lower and Upper take precedence over
// Only; with none of them the whole index is scanned.
type IndexBound struct {
	Name         string
	Lower        value.Value
	Upper        value.Value
	Only         value.Value
	ExcludeLower bool
	ExcludeUpper bool
	Order        Order
}

// KeyRange bounds the primary key between From and To inclusive. When From
// is greater than To the bounds are swapped and the scan runs descending.
type KeyRange struct {
	From value.Value
	To   value.Value
}

// Sort scans a whole index in the given order.
type Sort struct {
	Index string
	Order Order
}

// FullScan scans the primary key in ascending order.
type FullScan struct{}

func (Conditions) specNode() {}
func (IndexBound) specNode() {}
func (KeyRange) specNode()   {}
func (Sort) specNode()       {}
func (FullScan) specNode()   {}

func (Conditions) Kind() string { return "conditions" }
func (IndexBound) Kind() string { return "index" }
func (KeyRange) Kind() string   { return "range" }
func (Sort) Kind() string       { return "sort" }
func (FullScan) Kind() string   { return "scan" }

// NoLimit is the Limit of a request that did not set one.
const NoLimit = -1

// Request is a decoded query command.
type Request struct {
	Store  string
	Spec   Spec
	Offset int
	Limit  int // NoLimit when absent
	// Filter names a peer command called with each candidate record; only
	// records it accepts are counted and returned.
	Filter string
}

// Decode reads a query request from its wire form:
//
//	{storeName, type?, conditions?, index?, range?, sort?, offset?, limit?, filter?}
//
// An explicit type selects the case directly and requires its field.
// Without a type, the first present field in the order conditions, index,
// range, sort wins and a request with none of them is a full scan.
func Decode(args value.Value) (Request, error) {
	var req Request
	obj, ok := args.(value.Object)
	if !ok {
		return req, fmt.Errorf("query arguments must be an object, got %T", args)
	}

	store, ok := value.AsString(obj["storeName"])
	if !ok || store == "" {
		return req, fmt.Errorf("query requires storeName")
	}
	req.Store = store

	var err error
	if req.Offset, err = count(obj, "offset"); err != nil {
		return req, err
	}
	req.Limit = NoLimit
	if !isNull(obj["limit"]) {
		if req.Limit, err = count(obj, "limit"); err != nil {
			return req, err
		}
	}
	if req.Filter, err = filterName(obj["filter"]); err != nil {
		return req, err
	}

	kind := ""
	if t, present := obj["type"]; present && !isNull(t) {
		s, ok := value.AsString(t)
		if !ok {
			return req, fmt.Errorf("query type must be a string")
		}
		kind = s
	} else {
		for _, k := range []string{"conditions", "index", "range", "sort"} {
			if !isNull(obj[k]) {
				kind = k
				break
			}
		}
		if kind == "" {
			kind = "scan"
		}
	}

	req.Spec, err = decodeSpec(kind, obj)
	return req, err
}

func decodeSpec(kind string, obj value.Object) (Spec, error) {
	field := obj[kind]
	if kind != "scan" && isNull(field) {
		return nil, fmt.Errorf("query type %q requires field %q", kind, kind)
	}

	switch kind {
	case "conditions":
		fields, ok := field.(value.Object)
		if !ok {
			return nil, fmt.Errorf("conditions must be an object")
		}
		return Conditions{Fields: fields}, nil

	case "index":
		idx, ok := field.(value.Object)
		if !ok {
			return nil, fmt.Errorf("index must be an object")
		}
		name, ok := value.AsString(idx["name"])
		if !ok || name == "" {
			return nil, fmt.Errorf("index requires name")
		}
		return IndexBound{
			Name:         name,
			Lower:        present(idx["lower"]),
			Upper:        present(idx["upper"]),
			Only:         present(idx["only"]),
			ExcludeLower: value.Truthy(idx["excludeLower"]),
			ExcludeUpper: value.Truthy(idx["excludeUpper"]),
			Order:        parseOrder(idx["order"]),
		}, nil

	case "range":
		arr, ok := field.(value.Array)
		if !ok || len(arr) != 2 {
			return nil, fmt.Errorf("range must be a two-element array")
		}
		return KeyRange{From: arr[0], To: arr[1]}, nil

	case "sort":
		s, ok := field.(value.Object)
		if !ok {
			return nil, fmt.Errorf("sort must be an object")
		}
		name, ok := value.AsString(s["index"])
		if !ok || name == "" {
			return nil, fmt.Errorf("sort requires index")
		}
		return Sort{Index: name, Order: parseOrder(s["order"])}, nil

	case "scan":
		return FullScan{}, nil
	}
	return nil, fmt.Errorf("unknown query type %q", kind)
}

// parseOrder accepts -1 or "desc" (any case) for descending.
func parseOrder(v value.Value) Order {
	if s, ok := value.AsString(v); ok && strings.EqualFold(s, "desc") {
		return Desc
	}
	if n, ok := value.Number(v); ok && n < 0 {
		return Desc
	}
	return Asc
}

func count(obj value.Object, field string) (int, error) {
	v := obj[field]
	if isNull(v) {
		return 0, nil
	}
	n, ok := value.AsInt(v)
	if !ok || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", field)
	}
	return int(n), nil
}

// filterName accepts a command name or {command: name}.
func filterName(v value.Value) (string, error) {
	if isNull(v) {
		return "", nil
	}
	if s, ok := value.AsString(v); ok && s != "" {
		return s, nil
	}
	if obj, ok := v.(value.Object); ok {
		if s, ok := value.AsString(obj["command"]); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("filter must name a command")
}

func isNull(v value.Value) bool {
	if v == nil {
		return true
	}
	_, null := v.(value.Null)
	return null
}

func present(v value.Value) value.Value {
	if isNull(v) {
		return nil
	}
	return v
}
