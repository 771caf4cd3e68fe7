package brainstem

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event is one structured record written to the local sink and optionally
// forwarded to the search index.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	EventName string         `json:"event"`
	Component string         `json:"component"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the fixed columns into one JSON
// object, matching the "arbitrary fields" clause of the event record.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	m["level"] = e.Level
	m["event"] = e.EventName
	m["component"] = e.Component
	if e.TraceID != "" {
		m["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		m["span_id"] = e.SpanID
	}
	return json.Marshal(m)
}

// Forwarder copies qualifying events to an external search index. It is
// satisfied by ESForwarder and by test doubles.
type Forwarder interface {
	Forward(ctx context.Context, e Event) error
}

// EventLoggerConfig configures the local sink and the optional forwarder.
type EventLoggerConfig struct {
	// Path is the active JSONL file; rotation parameters mirror the
	// teacher's file-handler defaults (100 MB, 5 backups).
	Path        string
	MaxSizeMB   int
	MaxBackups  int
	Component   string
	Forwarder   Forwarder
	// ForwarderConcurrency bounds in-flight forward calls (default 10).
	ForwarderConcurrency int
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit (default 3).
	BreakerThreshold int
	// BreakerCooldown is how long the breaker stays open (default 30s).
	BreakerCooldown time.Duration
	Logger          *slog.Logger
}

// EventLogger is the structured JSON log sink described by C2: synchronous
// local writes behind a single lock, asynchronous forwarding behind a
// bounded semaphore and a circuit breaker.
type EventLogger struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	logger *slog.Logger

	cfg EventLoggerConfig
	sem chan struct{}

	breakerMu      sync.Mutex
	consecFailures int
	breakerOpenTil time.Time

	wg sync.WaitGroup
}

// NewEventLogger constructs an EventLogger writing to cfg.Path with
// size-based rotation. cfg.Forwarder may be nil, in which case no
// forwarding occurs.
func NewEventLogger(cfg EventLoggerConfig) *EventLogger {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.ForwarderConcurrency <= 0 {
		cfg.ForwarderConcurrency = 10
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EventLogger{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   false,
		},
		logger: cfg.Logger,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.ForwarderConcurrency),
	}
}

// Log synchronously enqueues e into the local sink and, if a forwarder is
// configured and the event did not originate from the forwarder or
// transport libraries itself, schedules an asynchronous forward. Log never
// panics out of the caller's path; local write failures are reported as a
// warning exactly once per call.
func (l *EventLogger) Log(ctx context.Context, e Event) {
	if e.Component == "" {
		e.Component = l.cfg.Component
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if tc, ok := TraceFromContext(ctx); ok {
		if e.TraceID == "" {
			e.TraceID = tc.TraceID
		}
		if e.SpanID == "" {
			e.SpanID = tc.SpanID
		}
	}

	l.writeLocal(e)

	if l.cfg.Forwarder != nil && !isInternalSource(e.Component) {
		l.scheduleForward(ctx, e)
	}
}

func isInternalSource(component string) bool {
	return component == "event_forwarder" || component == "transport"
}

func (l *EventLogger) writeLocal(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("event marshal failed", "error", err.Error())
		return
	}
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		l.logger.Warn("event local write failed", "error", err.Error())
	}
}

// scheduleForward runs the forward on a bounded worker, counting failures
// toward the circuit breaker. It never blocks the caller beyond acquiring
// (or failing to acquire non-blockingly) a semaphore slot.
func (l *EventLogger) scheduleForward(ctx context.Context, e Event) {
	if l.breakerOpen() {
		return
	}
	select {
	case l.sem <- struct{}{}:
	default:
		// Pool saturated; drop rather than block the caller.
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()

		forwardCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.cfg.Forwarder.Forward(forwardCtx, e); err != nil {
			l.recordForwardFailure()
			return
		}
		l.recordForwardSuccess()
	}()
	_ = ctx
}

func (l *EventLogger) breakerOpen() bool {
	l.breakerMu.Lock()
	defer l.breakerMu.Unlock()
	return time.Now().Before(l.breakerOpenTil)
}

func (l *EventLogger) recordForwardFailure() {
	l.breakerMu.Lock()
	defer l.breakerMu.Unlock()
	l.consecFailures++
	if l.consecFailures >= l.cfg.BreakerThreshold {
		l.breakerOpenTil = time.Now().Add(l.cfg.BreakerCooldown)
	}
}

func (l *EventLogger) recordForwardSuccess() {
	l.breakerMu.Lock()
	defer l.breakerMu.Unlock()
	l.consecFailures = 0
	l.breakerOpenTil = time.Time{}
}

// Wait blocks until all in-flight forwards complete. Intended for tests
// and graceful shutdown, not the request path.
func (l *EventLogger) Wait() {
	l.wg.Wait()
}

// Close flushes and closes the local sink.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}

// ESForwarder forwards events to a search index's bulk/index HTTP API.
// The example pack carries no client SDK for this concern (just plain
// net/http + encoding/json usage across the teacher's HTTP-backed
// integrations), so this stays on the standard library per DESIGN.md.
type ESForwarder struct {
	Endpoint string
	Index    func(e Event) string // daily index name, e.g. agent-logs-YYYY.MM.DD
	Client   *http.Client
}

// Forward posts e to the configured search index endpoint.
func (f *ESForwarder) Forward(ctx context.Context, e Event) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	index := "agent-logs"
	if f.Index != nil {
		index = f.Index(e)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint+"/"+index+"/_doc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return "forward failed with status " + http.StatusText(e.status)
}

// DailyLogIndex returns the "agent-logs-YYYY.MM.DD" index name for e,
// matching §6's naming convention.
func DailyLogIndex(e Event) string {
	return "agent-logs-" + e.Timestamp.Format("2006.01.02")
}
