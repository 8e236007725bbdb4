package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"resonance/internal/models"
)

// Kind of an audit event
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Event describes one external classification request, response or failure.
// It never carries the credential or the classified content itself.
type Event struct {
	Kind        Kind
	Provider    string
	Endpoint    string
	Model       string
	ContentType models.ContentType
	Size        int // bytes sent for requests, bytes received for responses
	Attempt     int
	Latency     time.Duration
	Detail      string
}

// Log is the append-only record of classification traffic.
// Writes go through a single logrus logger, whose internal lock keeps lines whole.
type Log struct {
	entries *logrus.Logger
	closer  io.Closer
	logger  *zap.Logger
}

// Open appends to the audit file at path, creating it if needed
func Open(path string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := New(file, logger)
	l.closer = file

	logger.Info("Audit log opened", zap.String("path", path))
	return l, nil
}

// New writes audit entries as JSON lines to w
func New(w io.Writer, logger *zap.Logger) *Log {
	entries := logrus.New()
	entries.SetOutput(&reportingWriter{w: w, logger: logger})
	entries.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "event",
		},
	})
	entries.SetLevel(logrus.InfoLevel)

	return &Log{entries: entries, logger: logger}
}

// Record appends ev. It never fails or panics: problems are reported to the operational logger.
func (l *Log) Record(ev Event) {
	if l == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Audit record panicked", zap.Any("panic", r), zap.String("kind", string(ev.Kind)))
		}
	}()

	fields := logrus.Fields{
		"provider":     ev.Provider,
		"endpoint":     ev.Endpoint,
		"model":        ev.Model,
		"content_type": string(ev.ContentType),
		"size":         ev.Size,
		"attempt":      ev.Attempt,
	}
	if ev.Latency > 0 {
		fields["latency_ms"] = ev.Latency.Milliseconds()
	}
	if ev.Detail != "" {
		fields["detail"] = ev.Detail
	}

	l.entries.WithFields(fields).Info(string(ev.Kind))
}

// Close releases the underlying file, if any
func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// reportingWriter forwards write failures to zap so they reach operational telemetry
type reportingWriter struct {
	w      io.Writer
	logger *zap.Logger
}

func (r *reportingWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if err != nil {
		r.logger.Warn("Audit log write failed", zap.Error(err), zap.Int("bytes", len(p)))
	}
	return n, err
}
