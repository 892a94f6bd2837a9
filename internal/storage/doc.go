// Package storage is oppcast's persistence layer.
//
// One database/sql store backs three tables:
//   - destinations: the destination registry (never deleted, only deactivated)
//   - delivery_ledger: claims and confirmed deliveries per (opportunity, destination)
//   - settings: key/value pairs, including the feed cursor
//
// Drivers: "sqlite" (modernc.org/sqlite, pure Go) and "postgres" (pgx stdlib).
package storage
