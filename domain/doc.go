// Package domain defines the core data structures of the offline edge.
// It contains the cache model (request keys, captured responses, store names),
// the deployment manifest and the log entry, as well as the repository interfaces
// that define the contracts for persistence.
//
// The package has no knowledge of SQLite or of the in-memory store, both of which
// implement the interfaces declared here. This keeps the lifecycle manager and the
// strategy engine independent of the storage technology, so a fake can be injected
// wherever a real store would be used.
package domain
