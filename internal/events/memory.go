package events

import (
	"context"
	"sync"
)

type MemLog struct {
	mu   sync.Mutex
	jobs map[string][]Event
}

var _ Log = (*MemLog)(nil)

func NewMemLog() *MemLog { return &MemLog{jobs: map[string][]Event{}} }

func (l *MemLog) Append(ctx context.Context, e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.jobs[e.JobID]
	e.Seq = int64(len(evs)) + 1
	l.jobs[e.JobID] = append(evs, e)
	return e, nil
}

func (l *MemLog) List(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.jobs[jobID]
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	if sinceSeq >= int64(len(evs)) {
		return nil, nil
	}
	out := evs[sinceSeq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Event(nil), out...), nil
}
