// Package audit records security events to date-partitioned JSON-lines files.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var errQueueFull = errors.New("security event queue full")

const (
	DefaultQueueSize     = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultRecentEvents  = 1000
	DefaultCloseTimeout  = 5 * time.Second
)

// MetricsRecorder receives a count for every logged or dropped event
type MetricsRecorder interface {
	SecurityEvent(category, severity string)
	SecurityEventDropped()
}

// Options configures a Logger
type Options struct {
	Dir           string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	RecentEvents  int
	CloseTimeout  time.Duration
	Metrics       MetricsRecorder
	Logger        *slog.Logger
}

// Logger is the security event log. LogEvent never blocks: events go to an
// in-memory ring and a bounded queue drained by a single writer goroutine.
type Logger struct {
	dir          string
	batchSize    int
	interval     time.Duration
	closeTimeout time.Duration
	metrics      MetricsRecorder
	logger       *slog.Logger

	queue   chan Event
	done    chan struct{}
	flushed chan struct{}
	closed  atomic.Bool
	once    sync.Once
	seq     atomic.Uint64

	dropWarn rate.Sometimes

	ringMu sync.Mutex
	ring   []Event
	head   int
	count  int

	// writer goroutine state
	file     *os.File
	fileDate string
}

// NewLogger creates the log directory and starts the writer
func NewLogger(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("log directory cannot be empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.Chmod(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to restrict log directory: %w", err)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = DefaultRecentEvents
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Logger{
		dir:          opts.Dir,
		batchSize:    opts.BatchSize,
		interval:     opts.FlushInterval,
		closeTimeout: opts.CloseTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		queue:        make(chan Event, opts.QueueSize),
		done:         make(chan struct{}),
		flushed:      make(chan struct{}),
		dropWarn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		ring:         make([]Event, opts.RecentEvents),
	}

	go l.writeLoop()

	l.LogEvent("LOGGER_STARTED", CategoryConfiguration, SeverityInfo, map[string]any{"log_dir": opts.Dir}, "")
	return l, nil
}

// Dir returns the log directory
func (l *Logger) Dir() string {
	return l.dir
}

// LogEvent records an event and returns its id. details is deep-copied for
// nested maps and slices.
func (l *Logger) LogEvent(eventType string, category Category, severity Severity, details map[string]any, sessionID string) string {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Category:  category,
		Severity:  severity,
		SessionID: sessionID,
		Details:   cloneDetails(details),
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	ev.EventID = eventID(&ev, l.seq.Add(1))

	l.remember(ev)

	if !l.closed.Load() {
		select {
		case l.queue <- ev:
		default:
			l.dropped(eventType, errQueueFull)
		}
	}

	if l.metrics != nil {
		l.metrics.SecurityEvent(string(category), string(severity))
	}

	l.logger.Log(context.Background(), severity.Level(), "security event",
		slog.String("event_type", eventType),
		slog.String("category", string(category)),
		slog.String("event_id", ev.EventID),
		slog.Any("details", details),
	)

	return ev.EventID
}

// LogFileUpload records the outcome of an upload
func (l *Logger) LogFileUpload(filename string, size int64, fileType, result, sessionID string, details map[string]any) string {
	d := map[string]any{
		"filename":          filename,
		"size":              size,
		"file_type":         fileType,
		"validation_result": result,
	}
	maps.Copy(d, details)

	severity := SeverityWarning
	if result == "validated" {
		severity = SeverityInfo
	}
	return l.LogEvent("FILE_UPLOAD", CategoryFileUpload, severity, d, sessionID)
}

// LogSubprocess records an interpreter execution
func (l *Logger) LogSubprocess(argv []string, success bool, exitCode int, sessionID string, details map[string]any) string {
	command := "unknown"
	if len(argv) > 0 {
		command = filepath.Base(argv[0])
	}
	argsCount := 0
	if len(argv) > 1 {
		argsCount = len(argv) - 1
	}
	d := map[string]any{
		"command":     command,
		"args_count":  argsCount,
		"success":     success,
		"return_code": exitCode,
	}
	maps.Copy(d, details)

	severity := SeverityInfo
	if !success {
		severity = SeverityError
	}
	return l.LogEvent("SUBPROCESS_EXEC", CategorySubprocess, severity, d, sessionID)
}

// LogValidationFailure records a rejected argument
func (l *Logger) LogValidationFailure(field, reason, valueType, sessionID string, details map[string]any) string {
	d := map[string]any{
		"field":      field,
		"reason":     reason,
		"value_type": valueType,
	}
	maps.Copy(d, details)
	return l.LogEvent("VALIDATION_FAILED", CategoryInputValidation, SeverityWarning, d, sessionID)
}

// LogInjectionAttempt records input rejected by the interpreter sanitizer
func (l *Logger) LogInjectionAttempt(field, reason, sessionID string, details map[string]any) string {
	d := map[string]any{
		"field":  field,
		"reason": reason,
	}
	maps.Copy(d, details)
	return l.LogEvent("INJECTION_ATTEMPT", CategoryInputValidation, SeverityCritical, d, sessionID)
}

// Close stops the writer after it drains the queue, waiting at most the
// configured close timeout
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
		select {
		case <-l.flushed:
		case <-time.After(l.closeTimeout):
			err = fmt.Errorf("timed out after %s flushing security events", l.closeTimeout)
		}
	})
	return err
}

func (l *Logger) writeLoop() {
	defer close(l.flushed)
	defer l.closeFile()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)

	for {
		select {
		case ev := <-l.queue:
			batch = append(batch, ev)
			if len(batch) >= l.batchSize {
				l.writeBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.writeBatch(batch)
				batch = batch[:0]
			}
		case <-l.done:
		drain:
			for {
				select {
				case ev := <-l.queue:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				l.writeBatch(batch)
			}
			return
		}
	}
}

// writeBatch appends events to the partition for each event's UTC date. An
// event that cannot be written is counted as dropped and stays only in the
// in-memory ring; the rest of the batch is still written.
func (l *Logger) writeBatch(events []Event) {
	for i := range events {
		if err := l.write(&events[i]); err != nil {
			l.dropped(events[i].Type, err)
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			l.logger.Warn("failed to sync security log file", slog.String("error", err.Error()))
		}
	}
}

func (l *Logger) write(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}
	f, err := l.fileFor(ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to open security log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write security event: %w", err)
	}
	return nil
}

// dropped counts an event that did not reach the log file
func (l *Logger) dropped(eventType string, err error) {
	if l.metrics != nil {
		l.metrics.SecurityEventDropped()
	}
	l.dropWarn.Do(func() {
		l.logger.Warn("dropping security events", slog.String("event_type", eventType), slog.String("error", err.Error()))
	})
}

func (l *Logger) fileFor(ts time.Time) (*os.File, error) {
	date := ts.UTC().Format(time.DateOnly)
	if l.file != nil && l.fileDate == date {
		return l.file, nil
	}
	l.closeFile()

	f, err := os.OpenFile(PartitionPath(l.dir, ts), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.fileDate = date
	return f, nil
}

func (l *Logger) closeFile() {
	if l.file == nil {
		return
	}
	if err := l.file.Close(); err != nil {
		l.logger.Warn("failed to close security log file", slog.String("error", err.Error()))
	}
	l.file = nil
	l.fileDate = ""
}

// PartitionPath returns the log file holding events for ts's UTC date
func PartitionPath(dir string, ts time.Time) string {
	return filepath.Join(dir, "security_"+ts.UTC().Format(time.DateOnly)+".jsonl")
}
