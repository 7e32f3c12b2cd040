// Package events is the append-only, per-job ordered log of what happened
// to a job and why.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Kind string

const (
	// KindTransition events carry a Transition payload and drive Replay.
	KindTransition Kind = "transition"
	KindAttempt    Kind = "attempt"
	KindProgress   Kind = "progress"
	KindNotice     Kind = "notice"
)

type Event struct {
	JobID   string          `json:"job_id"`
	Seq     int64           `json:"seq"`
	Time    time.Time       `json:"time"`
	Level   Level           `json:"level"`
	Kind    Kind            `json:"kind"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

var ErrGap = errors.New("events: sequence gap")

// Log stores events. Append assigns the next gapless sequence number for
// the event's job atomically.
type Log interface {
	Append(ctx context.Context, e Event) (Event, error)
	// List returns events with Seq > sinceSeq in ascending order. limit <= 0
	// means no limit.
	List(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]Event, error)
}

// Publisher receives every event after it is durably appended.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Replay returns the status implied by the last transition event, or ok=false
// when the log holds none. A gap in the sequence is reported as ErrGap.
func Replay(evs []Event) (status string, ok bool, err error) {
	var prev int64
	for _, e := range evs {
		if prev != 0 && e.Seq != prev+1 {
			return "", false, ErrGap
		}
		prev = e.Seq
		if e.Kind != KindTransition {
			continue
		}
		var t Transition
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			return "", false, err
		}
		status, ok = t.To, true
	}
	return status, ok, nil
}

func mustPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}
