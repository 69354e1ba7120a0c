// Package core provides fundamental utilities for the offline edge.
// This file contains option functions for customizing log entries.
package core

import (
	"github.com/google/uuid"
	"github.com/hrcloud/edge/domain"
)

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithVersion is an option to associate a log entry with a worker version tag.
func LogWithVersion(version string) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Version = version
		return nil
	}
}

// LogWithDeploymentID is an option to associate a log entry with a deployment.
func LogWithDeploymentID(id uuid.UUID) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.DeploymentID = &id
		return nil
	}
}
