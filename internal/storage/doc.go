// Package storage persists groups, the operation ledger, the subscriber
// projection and refresh leases in a local SQLite database.
//
// The operation ledger is append-only: every attempted provider mutation
// produces exactly one entry, and entries are never updated or deleted.
package storage
