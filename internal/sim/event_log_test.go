package sim

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// TestEventLogWritesJSONL verifies events are flushed on Stop
func TestEventLogWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el := NewEventLog()
	if err := el.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}

	el.EmitSimple(EventTypeReset, 0, SourceControl, ResetPayload{Seed: 5, Bodies: 10})
	el.EmitSimple(EventTypeRecovery, 3, SourceRecovery, RecoveryPayload{Body: 2, Kind: RecoveryState})
	el.Stop()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}

	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[0]["type"] != "reset" || lines[1]["type"] != "recovery" {
		t.Errorf("Unexpected types %v, %v", lines[0]["type"], lines[1]["type"])
	}
	payload := lines[1]["payload"].(map[string]any)
	if payload["kind"] != RecoveryState || payload["body"] != float64(2) {
		t.Errorf("Unexpected recovery payload %v", payload)
	}
	if lines[1]["sequence"].(float64) <= lines[0]["sequence"].(float64) {
		t.Errorf("Expected increasing sequence numbers")
	}
}

// TestEventLogRateLimitsSource verifies a single source cannot flood the log
func TestEventLogRateLimitsSource(t *testing.T) {
	el := NewEventLog()
	if err := el.Start(""); err != nil {
		t.Fatal(err)
	}
	defer el.Stop()

	accepted := 0
	for i := 0; i < 100; i++ {
		if el.EmitSimple(EventTypeRecovery, 1, SourceRecovery, RecoveryPayload{Body: i}) {
			accepted++
		}
	}

	if accepted >= 100 {
		t.Errorf("Expected rate limiting, all %d events accepted", accepted)
	}
	if el.GetDroppedCount() == 0 {
		t.Error("Expected dropped events to be counted")
	}
	if el.GetTotalCount() != uint64(accepted) {
		t.Errorf("Expected total %d, got %d", accepted, el.GetTotalCount())
	}
}

// TestEventLogStopped verifies emits are refused when not running
func TestEventLogStopped(t *testing.T) {
	el := NewEventLog()
	if el.EmitSimple(EventTypeStep, 1, SourceStep, nil) {
		t.Error("Expected emit to fail before Start")
	}
	el.Stop()
	el.Stop()
}

// TestEventTypeString covers every named type
func TestEventTypeString(t *testing.T) {
	tests := map[EventType]string{
		EventTypeStep:     "step",
		EventTypeStart:    "start",
		EventTypeStop:     "stop",
		EventTypePause:    "pause",
		EventTypeResume:   "resume",
		EventTypeReset:    "reset",
		EventTypeRecovery: "recovery",
		EventTypeUnknown:  "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("%d: expected %q, got %q", typ, want, got)
		}
	}
}
