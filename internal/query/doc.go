// Package query plans and runs declarative range queries over a record
// collection.
//
// A query is described by one Spec case. Compile turns it into a Plan (which
// index or the primary key, which key range, which direction) and Execute
// walks a cursor over the plan applying offset, limit and an optional
// filter predicate.
package query
