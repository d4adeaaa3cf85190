package sim

import (
	"encoding/json"
	"time"
)

// EventType enum for event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeStep              // Committed step with tree stats
	EventTypeStart
	EventTypeStop
	EventTypePause
	EventTypeResume
	EventTypeReset
	EventTypeRecovery // Non-finite value replaced for one body
)

// EventVersion for backwards compatibility in replay
const EventVersion uint8 = 1

// Event sources used for per-source rate limiting. Steps have their own
// source so that per-frame events never consume the control budget.
const (
	SourceStep     = "step"
	SourceControl  = "control" // start, stop, pause, resume, reset
	SourceRecovery = "recovery"
)

// Event is the core event structure for the event log
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`  // Monotonic sequence
	Frame     uint64          `json:"frame"`     // Step this occurred in
	Source    string          `json:"source"`    // Rate limiting key
	Payload   json.RawMessage `json:"payload"`
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeStep:
		return "step"
	case EventTypeStart:
		return "start"
	case EventTypeStop:
		return "stop"
	case EventTypePause:
		return "pause"
	case EventTypeResume:
		return "resume"
	case EventTypeReset:
		return "reset"
	case EventTypeRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// MarshalText writes the type by name in the JSONL log.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// StepPayload summarizes one committed step
type StepPayload struct {
	Bodies     int     `json:"bodies"`
	Nodes      int     `json:"nodes"`
	Depth      int     `json:"depth"`
	Buckets    int     `json:"buckets"`
	Recoveries int     `json:"recoveries"`
	DurationNs int64   `json:"durationNs"`
	RegionSize float64 `json:"regionSize"`
}

// ResetPayload records the seed a run was restarted with
type ResetPayload struct {
	Seed   int64 `json:"seed"`
	Bodies int   `json:"bodies"`
}

// Recovery kinds.
const (
	RecoveryAcceleration = "acceleration" // acceleration replaced by zero
	RecoveryState        = "state"        // body kept its previous state
)

// RecoveryPayload identifies the body that was recovered
type RecoveryPayload struct {
	Body int    `json:"body"`
	Kind string `json:"kind"`
}

// EncodePayload marshals a payload to JSON bytes
func EncodePayload(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, frame uint64, source string, payload any) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Frame:     frame,
		Source:    source,
		Payload:   EncodePayload(payload),
	}
}
