// Package audit provides structured audit logging for scan operations.
//
// Every container launch is logged with its fully resolved command and
// policy so that the exact sandboxing applied to each tool run can be
// reconstructed after the fact. The log is an append-only JSONL side
// channel; nothing in the engine reads it back.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Scan lifecycle events
	EventScanStarted   EventType = "scan_started"
	EventScanCompleted EventType = "scan_completed"
	EventScanFailed    EventType = "scan_failed"

	// Runner events
	EventRunnerStarted   EventType = "runner_started"
	EventRunnerCompleted EventType = "runner_completed"
	EventRunnerSkipped   EventType = "runner_skipped"

	// Container events
	EventContainerLaunched EventType = "container_launched"
	EventContainerRemoved  EventType = "container_removed"
	EventContainerTimeout  EventType = "container_timeout"

	// Policy events
	EventPolicyComputed   EventType = "policy_computed"
	EventSeccompFallback  EventType = "seccomp_fallback"
	EventAllowlistDerived EventType = "allowlist_derived"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	ScanID    string                 `json:"scan_id,omitempty"`
	ProjectID string                 `json:"project_id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recorder is the sink interface the engine logs through. The file
// Logger is the production implementation; tests use Nop or a capture.
type Recorder interface {
	Log(event Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Log(Event) {}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// LogFile is the path to the audit log file.
	// Default: ./logs/audit.log
	LogFile string

	// BufferSize is the number of events to buffer before flushing.
	// Default: 64
	BufferSize int

	// FlushInterval is how often to flush buffered events.
	// Default: 2 seconds
	FlushInterval time.Duration

	// Verbose enables console output of audit events.
	Verbose bool
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		LogFile:       filepath.Join("logs", "audit.log"),
		BufferSize:    64,
		FlushInterval: 2 * time.Second,
	}
}

// Logger is the file-backed audit logger.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}
	if config.LogFile == "" {
		config.LogFile = DefaultLoggerConfig().LogFile
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}

	dir := filepath.Dir(config.LogFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// 0640 = owner read/write, group read
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops the logger, flushes remaining events and closes the file.
func (l *Logger) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	l.Flush()
	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	event.Timestamp = time.Now()
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if l.config.Verbose {
		l.printEvent(event)
	}
	if shouldFlush {
		l.Flush()
	}
}

// Flush writes all buffered events to the log file.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(line, '\n'))
	}
	_ = l.file.Sync()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) printEvent(event Event) {
	if event.Error != "" {
		fmt.Fprintf(os.Stderr, "[%s] %s %s: %s (%s)\n",
			event.Severity, event.Type, event.Tool, event.Message, event.Error)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %s %s: %s\n",
		event.Severity, event.Type, event.Tool, event.Message)
}
