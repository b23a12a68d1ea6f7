package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Pipeline lifecycle events
	LogPipelineStarted(ctx context.Context, runID, farmerID, query string) error
	LogPipelineCompleted(ctx context.Context, runID, farmerID string, duration time.Duration, score, retries int) error
	LogPipelineFailed(ctx context.Context, runID, farmerID string, err error) error
	LogPipelineCancelled(ctx context.Context, runID, farmerID string, err error) error

	// LogOutcomeRecorded logs farmer feedback on a conversation
	LogOutcomeRecorded(ctx context.Context, conversationID, farmerID string, success bool) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

const bufferSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	closer      func() error
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger writing JSON lines to a rotating
// file. appLogger receives marshalling errors; nil discards them.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level, append-only
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	l := newBuffered(zap.New(core), appLogger.Named("audit"), 1*time.Second)
	l.closer = rotator.Close
	return l, nil
}

// NewNop returns a Logger that discards events.
func NewNop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogPipelineStarted(context.Context, string, string, string) error { return nil }
func (nopLogger) LogPipelineCompleted(context.Context, string, string, time.Duration, int, int) error {
	return nil
}
func (nopLogger) LogPipelineFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogPipelineCancelled(context.Context, string, string, error) error { return nil }
func (nopLogger) LogOutcomeRecorded(context.Context, string, string, bool) error { return nil }
func (nopLogger) Sync() error { return nil }
func (nopLogger) Close() error { return nil }

func newBuffered(sink, app *zap.Logger, flushEvery time.Duration) *auditLogger {
	l := &auditLogger{
		appLogger:   app,
		auditLogger: sink,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(flushEvery),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogPipelineStarted(ctx context.Context, runID, farmerID, query string) error {
	event := NewEvent(EventPipelineStarted).
		WithCorrelationID(runID).
		WithFarmer(farmerID).
		WithResult(ResultPending).
		WithMetadata("query_chars", len(query)).
		WithDescription(fmt.Sprintf("Pipeline %s started", runID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogPipelineCompleted(ctx context.Context, runID, farmerID string, duration time.Duration, score, retries int) error {
	event := NewEvent(EventPipelineCompleted).
		WithCorrelationID(runID).
		WithFarmer(farmerID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("judge_score", score).
		WithMetadata("retries", retries).
		WithDescription(fmt.Sprintf("Pipeline %s completed", runID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogPipelineFailed(ctx context.Context, runID, farmerID string, err error) error {
	event := NewEvent(EventPipelineFailed).
		WithCorrelationID(runID).
		WithFarmer(farmerID).
		WithError(err, "pipeline_error").
		WithDescription(fmt.Sprintf("Pipeline %s failed", runID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogPipelineCancelled(ctx context.Context, runID, farmerID string, err error) error {
	event := NewEvent(EventPipelineCancelled).
		WithCorrelationID(runID).
		WithFarmer(farmerID).
		WithResult(ResultCancelled).
		WithDescription(fmt.Sprintf("Pipeline %s cancelled", runID))
	if err != nil {
		event.Error = err.Error()
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogOutcomeRecorded(ctx context.Context, conversationID, farmerID string, success bool) error {
	event := NewEvent(EventOutcomeRecorded).
		WithFarmer(farmerID).
		WithResource(conversationID, "conversation").
		WithResult(ResultSuccess).
		WithMetadata("action_successful", success).
		WithDescription(fmt.Sprintf("Outcome recorded for conversation %s", conversationID))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close stops the flusher, flushes and closes the audit file.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		l.flushTicker.Stop()
		err = l.Sync()
		if l.closer != nil {
			if cerr := l.closer(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
