package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for persisting edge logs.
// Lifecycle transitions (install, activate, stale store cleanup) are recorded here so they
// survive restarts and can be inspected from the CLI.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(log *Log) error
	// GetLogs retrieves all log entries from the repository.
	GetLogs() ([]*Log, error)
}

// Log represents a single log entry, containing information about an event that occurred in the edge.
type Log struct {
	ID           uuid.UUID      // Unique identifier for the log entry.
	Timestamp    time.Time      // The time at which the log entry was created.
	Level        string         // The severity level of the log (DEBUG, INFO, WARN, ERROR).
	Message      string         // The main content of the log message.
	Context      map[string]any // A map of additional key-value data for structured logging.
	Version      string         // Version tag of the worker the entry relates to, empty if none.
	DeploymentID *uuid.UUID     // An optional ID of the deployment that produced the entry.
}
