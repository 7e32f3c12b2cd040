package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sink is the single write path for job events: append durably, mirror to
// the process log, then publish to subscribers.
type Sink struct {
	log    Log
	pubs   []Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewSink(log Log, logger *zap.Logger, pubs ...Publisher) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{log: log, pubs: pubs, logger: logger.Named("events"), now: time.Now}
}

// WithClock overrides the timestamp source.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

func (s *Sink) Append(ctx context.Context, e Event) (Event, error) {
	if e.JobID == "" {
		return Event{}, fmt.Errorf("event without job id")
	}
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Kind == "" {
		e.Kind = KindNotice
	}

	stored, err := s.log.Append(ctx, e)
	if err != nil {
		return Event{}, err
	}

	fields := []zap.Field{
		zap.String("job_id", stored.JobID),
		zap.Int64("seq", stored.Seq),
		zap.String("kind", string(stored.Kind)),
	}
	switch stored.Level {
	case LevelError:
		s.logger.Error(stored.Message, fields...)
	case LevelWarning:
		s.logger.Warn(stored.Message, fields...)
	default:
		s.logger.Info(stored.Message, fields...)
	}

	for _, p := range s.pubs {
		if err := p.Publish(ctx, stored); err != nil {
			s.logger.Warn("publish event", zap.String("job_id", stored.JobID), zap.Error(err))
		}
	}
	return stored, nil
}

// Emit appends a message with an optional payload.
func (s *Sink) Emit(ctx context.Context, jobID string, level Level, kind Kind, msg string, payload any) (Event, error) {
	return s.Append(ctx, Event{
		JobID:   jobID,
		Level:   level,
		Kind:    kind,
		Message: msg,
		Payload: mustPayload(payload),
	})
}

// Transition records a status change. Callers persist the new status only
// after this returns without error.
func (s *Sink) Transition(ctx context.Context, jobID, from, to string, level Level, msg string) (Event, error) {
	return s.Emit(ctx, jobID, level, KindTransition, msg, Transition{From: from, To: to})
}

func (s *Sink) List(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]Event, error) {
	return s.log.List(ctx, jobID, sinceSeq, limit)
}

// ReplayJob reads a job's whole log and replays it.
func (s *Sink) ReplayJob(ctx context.Context, jobID string) (string, bool, error) {
	evs, err := s.log.List(ctx, jobID, 0, 0)
	if err != nil {
		return "", false, err
	}
	return Replay(evs)
}
