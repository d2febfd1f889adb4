// Package gateway exposes local record databases to a peer over an ifrpc
// Channel.
//
// The peer calls db-gateway-init with {name, id, version}. name selects a
// schema, id names the database and namespaces the per-database commands
// db-gateway-<verb>-<id> for the verbs read, update, query, delete, clear,
// create, count and object-store-names. Every command runs in one store
// transaction and answers after it committed.
package gateway
