// Package schema describes record databases as ordered lists of versioned
// migrations and applies them during a recordstore upgrade.
//
// Schemas are written in CUE. Each migration is a list of declarative
// steps (create or delete a collection or index, backfill a field) so the
// same file can be validated offline and executed by the gateway:
//
//	schema: Notes: migrations: [{
//		version: 1
//		steps: [
//			{op: "createStore", store: "notes"},
//			{op: "createIndex", store: "notes", name: "updated", keyPath: "updated"},
//		]
//	}]
//
// The built-in schemas User and SharedCache are compiled from files
// embedded in this package.
package schema
