// Package scheduler decides when each monitored job gets its next attempt
// and bounds how many attempts run at once.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/appt-scheduler/internal/metrics"
	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Decision is what an attempt tells the scheduler about the job's next turn.
type Decision struct {
	// Delay until the next attempt. With Backoff set it is the base the
	// backoff grows from.
	Delay   time.Duration
	Backoff bool
	// Done removes the job from the schedule.
	Done bool
}

type Attempter interface {
	Attempt(ctx context.Context, jobID string) Decision
}

type Config struct {
	Tick              time.Duration
	MaxConcurrent     int
	BackoffMultiplier float64
	BackoffCeiling    time.Duration
}

type Scheduler struct {
	attempter Attempter
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	sem       *semaphore.Weighted

	mu       sync.Mutex
	queue    dueQueue
	entries  map[string]*entry
	inFlight int
	wg       sync.WaitGroup
}

func New(a Attempter, cfg Config, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		attempter: a,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.Named("scheduler"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		entries:   map[string]*entry{},
	}
}

// Add schedules jobID at due, or moves it there if it is already queued.
// A job whose attempt is running keeps the schedule its attempt decides.
func (s *Scheduler) Add(jobID string, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[jobID]; ok {
		if e.index >= 0 {
			e.due = due
			heap.Fix(&s.queue, e.index)
		}
		return
	}
	e := &entry{jobID: jobID, due: due, index: -1}
	s.entries[jobID] = e
	heap.Push(&s.queue, e)
	metrics.SetQueueDepth(s.queue.Len())
}

// Remove drops jobID. A running attempt finishes but is not rescheduled.
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return
	}
	delete(s.entries, jobID)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	metrics.SetQueueDepth(s.queue.Len())
}

// Due reports when jobID is next up. Running jobs report false.
func (s *Scheduler) Due(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || e.index < 0 {
		return time.Time{}, false
	}
	return e.due, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Run ticks until ctx is done, then waits for running attempts.
func (s *Scheduler) Run(ctx context.Context) error {
	t := s.clock.Ticker(s.cfg.Tick)
	defer t.Stop()

	// kick immediately
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due job that fits under the concurrency limit. Jobs
// that do not fit stay queued and are still due on the next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for s.queue.Len() > 0 && !s.queue[0].due.After(now) {
		if ctx.Err() != nil {
			return
		}
		if !s.sem.TryAcquire(1) {
			s.logger.Debug("concurrency limit reached", zap.Int("waiting", s.queue.Len()))
			break
		}
		e := heap.Pop(&s.queue).(*entry)
		s.inFlight++
		s.wg.Add(1)
		go s.run(ctx, e)
	}
	metrics.SetQueueDepth(s.queue.Len())
	metrics.SetInFlight(s.inFlight)
}

// Wait blocks until every started attempt has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	d := s.attempt(ctx, e.jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	metrics.SetInFlight(s.inFlight)
	if s.entries[e.jobID] != e {
		// removed while running
		return
	}
	if d.Done {
		delete(s.entries, e.jobID)
		return
	}
	e.due = s.clock.Now().Add(s.next(e, d))
	heap.Push(&s.queue, e)
	metrics.SetQueueDepth(s.queue.Len())
}

func (s *Scheduler) attempt(ctx context.Context, jobID string) (d Decision) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("attempt panicked", zap.String("job_id", jobID), zap.Any("panic", p), zap.Stack("stack"))
			d = Decision{Delay: s.cfg.Tick, Backoff: true}
		}
	}()
	return s.attempter.Attempt(ctx, jobID)
}

// next computes the delay after an attempt. Consecutive backoff decisions
// grow base * multiplier^k up to the ceiling; any other decision resets it.
func (s *Scheduler) next(e *entry, d Decision) time.Duration {
	if !d.Backoff {
		e.backoff = nil
		return max(d.Delay, 0)
	}
	ceiling := max(s.cfg.BackoffCeiling, d.Delay)
	if e.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Duration(float64(d.Delay) * s.cfg.BackoffMultiplier)
		b.Multiplier = s.cfg.BackoffMultiplier
		b.RandomizationFactor = 0
		b.MaxInterval = ceiling
		b.MaxElapsedTime = 0
		b.Reset()
		e.backoff = b
	}
	next := e.backoff.NextBackOff()
	if next == backoff.Stop || next > ceiling {
		next = ceiling
	}
	s.logger.Debug("backing off", zap.String("job_id", e.jobID), zap.Duration("delay", next))
	return next
}

type entry struct {
	jobID   string
	due     time.Time
	index   int
	backoff *backoff.ExponentialBackOff
}

// dueQueue is a min-heap on due time.
type dueQueue []*entry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].jobID < q[j].jobID
	}
	return q[i].due.Before(q[j].due)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
