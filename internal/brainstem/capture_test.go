package brainstem

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// capturedEvents reads back the JSONL file an EventLogger wrote to, so
// tests can assert which event names were logged without racing the
// logger's async forwarding path.
type capturedEvents struct {
	t    *testing.T
	path string
}

func newCapturingEventLogger(t *testing.T) (*EventLogger, *capturedEvents) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	logger := NewEventLogger(EventLoggerConfig{Path: path, Component: "test"})
	t.Cleanup(func() { _ = logger.Close() })
	return logger, &capturedEvents{t: t, path: path}
}

func (c *capturedEvents) names() []string {
	f, err := os.Open(c.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if name, ok := e["event"].(string); ok {
			out = append(out, name)
		}
	}
	return out
}

func (c *capturedEvents) has(name string) bool {
	for _, n := range c.names() {
		if n == name {
			return true
		}
	}
	return false
}
