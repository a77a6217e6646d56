// Package component provides the structured logger shared by every managed
// asset in the acquisition system (hardware controller, data logger, renderer
// channel): local slog output plus optional NATS publication for live session
// monitoring from other machines.
package component

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	// LogLevelDebug represents debug-level logs.
	LogLevelDebug LogLevel = "DEBUG"
	// LogLevelInfo represents informational logs.
	LogLevelInfo LogLevel = "INFO"
	// LogLevelWarn represents warning logs.
	LogLevelWarn LogLevel = "WARN"
	// LogLevelError represents error logs.
	LogLevelError LogLevel = "ERROR"
)

// LogEntry is a structured log entry that can be published to NATS for live
// monitoring of a running session from another machine.
type LogEntry struct {
	Timestamp string   `json:"timestamp"` // RFC3339Nano
	Level     LogLevel `json:"level"`
	Component string   `json:"component"`
	Session   string   `json:"session"`
	Message   string   `json:"message"`
	Detail    string   `json:"detail,omitempty"`
}

// Logger wraps a slog.Logger for local logging and optionally publishes each
// entry to NATS under logs.<session>.<component>. A nil NATS connection
// disables publishing without affecting local logging.
type Logger struct {
	componentName string
	session       string
	nc            *nats.Conn
	logger        *slog.Logger
	enabled       bool
}

// NewLogger creates a component logger. Either nc or logger may be nil.
func NewLogger(componentName, session string, nc *nats.Conn, logger *slog.Logger) *Logger {
	return &Logger{
		componentName: componentName,
		session:       session,
		nc:            nc,
		logger:        logger,
		enabled:       nc != nil,
	}
}

// Debug logs a debug-level message.
func (cl *Logger) Debug(msg string) {
	cl.publish(context.Background(), LogLevelDebug, msg, "")
	if cl.logger != nil {
		cl.logger.Debug(msg, "component", cl.componentName)
	}
}

// Info logs an info-level message.
func (cl *Logger) Info(msg string) {
	cl.publish(context.Background(), LogLevelInfo, msg, "")
	if cl.logger != nil {
		cl.logger.Info(msg, "component", cl.componentName)
	}
}

// Warn logs a warning-level message.
func (cl *Logger) Warn(msg string) {
	cl.publish(context.Background(), LogLevelWarn, msg, "")
	if cl.logger != nil {
		cl.logger.Warn(msg, "component", cl.componentName)
	}
}

// Error logs an error-level message with optional error details.
func (cl *Logger) Error(msg string, err error) {
	detail := ""
	if err != nil {
		detail = fmt.Sprintf("%+v", err)
	}
	cl.publish(context.Background(), LogLevelError, msg, detail)
	if cl.logger != nil {
		cl.logger.Error(msg, "component", cl.componentName, "error", err)
	}
}

func (cl *Logger) publish(ctx context.Context, level LogLevel, message, detail string) {
	if !cl.enabled {
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: cl.componentName,
		Session:   cl.session,
		Message:   message,
		Detail:    detail,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		if cl.logger != nil {
			cl.logger.Error("Failed to marshal log entry", "error", err)
		}
		return
	}

	nc := cl.nc
	if nc == nil {
		return
	}
	subject := fmt.Sprintf("logs.%s.%s", cl.session, cl.componentName)
	if err := nc.Publish(subject, data); err != nil && cl.logger != nil {
		cl.logger.Error("Failed to publish log to NATS", "error", err, "subject", subject)
	}
}
