package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arkturian/warmctl/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry is a structured log line. Domain identifiers get first-class
// fields so failed warm targets can be grepped out and replayed.
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	RunKind   string         `json:"run_kind,omitempty"`
	ObjectID  int64          `json:"object_id,omitempty"`
	ProductID int64          `json:"product_id,omitempty"`
	StorageID int64          `json:"storage_id,omitempty"`
	SizePx    int            `json:"size_px,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	out io.Writer
}

// Logger produces structured JSON entries with trace correlation.
type Logger struct {
	service string
	out     io.Writer
}

// New creates a logger for the given service, writing to stdout.
func New(service string) *Logger {
	return &Logger{service: service, out: os.Stdout}
}

// NewWithWriter creates a logger writing to w (used by tests).
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w}
}

// WithContext creates a log entry carrying the trace ID from ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// Plain creates a basic log entry without context.
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		out:     l.out,
	}
}

// WithRun tags the entry with the run kind (embed or image).
func (e *LogEntry) WithRun(kind string) *LogEntry {
	e.RunKind = kind
	return e
}

// WithObject tags the entry with a storage object ID.
func (e *LogEntry) WithObject(id int64) *LogEntry {
	e.ObjectID = id
	return e
}

// WithProduct tags the entry with the owning product ID.
func (e *LogEntry) WithProduct(id int64) *LogEntry {
	e.ProductID = id
	return e
}

// WithStorage tags the entry with the storage asset backing a rendition.
func (e *LogEntry) WithStorage(id int64) *LogEntry {
	e.StorageID = id
	return e
}

// WithSize tags the entry with the rendition edge length in pixels.
func (e *LogEntry) WithSize(px int) *LogEntry {
	e.SizePx = px
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.Level = LevelDebug
	e.Message = message
	e.output()
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.Level = LevelInfo
	e.Message = message
	e.output()
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.Level = LevelInfo
	e.Message = fmt.Sprintf(format, args...)
	e.output()
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.Level = LevelWarn
	e.Message = message
	e.output()
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.Level = LevelError
	e.Message = message
	e.output()
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.Level = LevelError
	e.Message = fmt.Sprintf(format, args...)
	e.output()
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.Level = LevelFatal
	e.Message = message
	e.output()
	os.Exit(1)
}

func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	w := e.out
	if w == nil {
		w = os.Stdout
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(w, string(data))
}
