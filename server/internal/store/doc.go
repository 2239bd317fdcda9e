// Package store persists machines, sensor readings and alerts.
//
// Two backends implement Store: Memory, a mutex-guarded in-process store with
// optional retention pruning, and Postgres, backed by a pgx connection pool.
// The simulator takes one Session per iteration and releases it before
// sleeping, so a running machine never holds a pooled connection while idle.
package store
