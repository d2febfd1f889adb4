// Package recordstore is a versioned local record store with the shape of a
// browser object database: named collections keyed by an in-line key path or
// an out-of-line key, secondary indexes (compound and multi-entry), key
// ranges, bidirectional cursors and schema upgrades run in one transaction.
//
// Each database is one SQLite file. Keys are stored with value.EncodeKey so
// SQLite's BLOB ordering (memcmp) matches key ordering, and every range scan
// is a plain indexed comparison.
//
// Versioning uses PRAGMA user_version. Opening a database at a higher
// version notifies other open connections (OnVersionChange), reports
// OnBlocked while any of them stay open, and then runs the upgrade function.
// A failing upgrade rolls back entirely.
package recordstore
