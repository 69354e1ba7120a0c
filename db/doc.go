// Package db provides the SQLite persistence layer for the offline edge.
// It encapsulates all interactions with the underlying SQL database, managing
// the versioned cache stores, their captured responses and the edge logs.
//
// This package is responsible for:
// - Establishing and managing database connections (`db.go`).
// - Implementing domain.CacheRepository on top of the `store` and `entry` tables (`cache_repo.go`).
// - Implementing domain.LogRepository on top of the `logs` table (`log_repo.go`).
// - Converting between domain structs and database rows, including brotli compression of bodies.
// - Managing database migrations (`migrations/`).
package db
