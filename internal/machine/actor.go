package machine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/appt-scheduler/internal/events"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/metrics"
	"github.com/example/appt-scheduler/internal/session"
	"go.uber.org/zap"
)

// actor serialises all mutations of one job. Fields other than cancelled
// are only touched from its loop.
type actor struct {
	inbox chan func()
	done  chan struct{}
	// cancelled is polled by the running attempt at stage boundaries.
	cancelled atomic.Bool
	running   bool
	retire    bool
}

func (m *Machine) actorFor(id string) (*actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}
	if a, ok := m.actors[id]; ok {
		return a, nil
	}
	a := &actor{inbox: make(chan func()), done: make(chan struct{})}
	m.actors[id] = a
	m.wg.Add(1)
	go m.loop(id, a)
	return a, nil
}

func (m *Machine) loop(id string, a *actor) {
	defer m.wg.Done()
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn()
			if a.retire && !a.running {
				m.mu.Lock()
				if m.actors[id] == a {
					delete(m.actors, id)
				}
				m.mu.Unlock()
				return
			}
		case <-m.closed:
			return
		}
	}
}

// do runs fn on the job's actor and waits for it. A retired actor means the
// job already ended.
func (m *Machine) do(ctx context.Context, id string, fn func(a *actor) error) error {
	a, err := m.actorFor(id)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	task := func() {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("job actor panicked", zap.String("job_id", id), zap.Any("panic", p), zap.Stack("stack"))
				errc <- fmt.Errorf("panic: %v", p)
			}
		}()
		errc <- fn(a)
	}
	select {
	case a.inbox <- task:
	case <-a.done:
		return jobs.ErrTerminal
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

// observer relays driver progress into the job's log and state.
type observer struct {
	m     *Machine
	jobID string
	// fresh is set when the attempt discovered a slot not seen before.
	fresh bool
}

var _ session.Observer = (*observer)(nil)

func (o *observer) Step(ctx context.Context, st session.Stage, msg string) {
	if _, err := o.m.sink.Emit(ctx, o.jobID, events.LevelInfo, events.KindProgress, msg, map[string]string{"stage": string(st)}); err != nil {
		o.m.logger.Debug("progress event dropped", zap.String("job_id", o.jobID), zap.Error(err))
	}
}

func (o *observer) SlotFound(ctx context.Context, s session.Slot) {
	err := o.m.do(ctx, o.jobID, func(*actor) error { return o.m.slotFound(ctx, o, s) })
	if err != nil {
		o.m.logger.Warn("record slot", zap.String("job_id", o.jobID), zap.Error(err))
	}
}

func metricsTransition(from, to jobs.Status) {
	metrics.IncreaseTransitions(string(from), string(to))
}

func observeAttempt(res session.Result, took time.Duration) {
	metrics.ObserveAttempt(string(res.Outcome), took.Seconds())
}
