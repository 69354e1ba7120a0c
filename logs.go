package edge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hrcloud/edge/domain"
)

var logLevels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

// WriteLog records a lifecycle event. The entry is mirrored to the structured logger and, when a
// log repository is set, queued for persistence. A full queue drops the entry rather than
// stalling the caller.
func (edge *Edge) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	slogLevel, ok := logLevels[level]
	if !ok {
		return fmt.Errorf("level should be either: DEBUG, INFO, WARN, ERROR")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}

	attrs := []any{}
	if log.Version != "" {
		attrs = append(attrs, "version", log.Version)
	}
	if log.DeploymentID != nil {
		attrs = append(attrs, "deployment", log.DeploymentID.String())
	}
	for k, v := range log.Context {
		attrs = append(attrs, k, v)
	}
	edge.Logger.Log(context.Background(), slogLevel, message, attrs...)

	if edge.Logs == nil || edge.closed.Load() {
		return nil
	}
	select {
	case edge.LogChannel <- log:
	default:
		edge.Logger.Warn("log queue full, entry dropped", "message", message)
	}
	return nil
}

// writeLogs drains LogChannel into the log repository until the edge is closed.
func (edge *Edge) writeLogs() {
	defer edge.writer.Done()
	for {
		select {
		case log := <-edge.LogChannel:
			edge.insertLog(log)
		case <-edge.done:
			for {
				select {
				case log := <-edge.LogChannel:
					edge.insertLog(log)
				default:
					return
				}
			}
		}
	}
}

func (edge *Edge) insertLog(log *domain.Log) {
	if err := edge.Logs.InsertLog(log); err != nil {
		edge.Logger.Error("persisting log", "message", log.Message, "error", err)
	}
}
