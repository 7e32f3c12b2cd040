// Package machine owns the lifecycle of monitoring jobs. Every mutation of a
// job goes through that job's actor, so a finishing attempt and a concurrent
// stop never race on the record.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/appt-scheduler/internal/classify"
	"github.com/example/appt-scheduler/internal/events"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/notify"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/example/appt-scheduler/internal/scheduler"
	"github.com/example/appt-scheduler/internal/session"
	"github.com/example/appt-scheduler/internal/verify"
	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("machine: closed")

// storeRetryDelay spaces out attempts when the job store itself fails.
const storeRetryDelay = 30 * time.Second

// Runner performs one portal attempt. *session.Driver implements it.
type Runner interface {
	Run(ctx context.Context, a session.Attempt) session.Result
}

type Config struct {
	// OTPRetryDelay is how soon a job stalled on verification is retried.
	OTPRetryDelay time.Duration
	// RecheckInterval is the cadence for re-verifying a parked slot.
	RecheckInterval time.Duration
	// HoldWindow is how long a discovered slot is preferred on later attempts.
	HoldWindow    time.Duration
	NotifyTimeout time.Duration
	// Link is included in notifications.
	Link string
}

type Machine struct {
	jobs     jobs.Store
	profiles profile.Store
	sink     *events.Sink
	runner   Runner
	notifier notify.Notifier
	codes    *verify.ManualCodes
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	notes  sync.WaitGroup
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithNotifier(n notify.Notifier) Option { return func(m *Machine) { m.notifier = n } }

func New(js jobs.Store, ps profile.Store, sink *events.Sink, runner Runner, codes *verify.ManualCodes, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		jobs:     js,
		profiles: ps,
		sink:     sink,
		runner:   runner,
		codes:    codes,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		actors:   map[string]*actor{},
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.NotifyTimeout <= 0 {
		m.cfg.NotifyTimeout = 30 * time.Second
	}
	if m.codes == nil {
		m.codes = verify.NewManualCodes(m.clock.Now)
	}
	m.logger = m.logger.Named("machine")
	return m
}

// Close stops all actors and waits for pending notifications. Attempts must
// have finished first.
func (m *Machine) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		close(m.closed)
		m.mu.Unlock()
	})
	m.wg.Wait()
	m.notes.Wait()
}

type NewJob struct {
	ProfileID   string
	Service     classify.RecommendedService
	Interval    time.Duration
	MaxAttempts int
	AutoBook    bool
}

// Create stores a pending job. The first event of every job is its
// transition into pending.
func (m *Machine) Create(ctx context.Context, in NewJob) (jobs.Job, error) {
	if _, err := m.profiles.Get(ctx, in.ProfileID); err != nil {
		return jobs.Job{}, fmt.Errorf("profile %s: %w", in.ProfileID, err)
	}
	now := m.clock.Now().UTC()
	j := jobs.Job{
		ID:          uuid.NewString(),
		ProfileID:   in.ProfileID,
		Service:     in.Service,
		Interval:    in.Interval,
		MaxAttempts: in.MaxAttempts,
		AutoBook:    in.AutoBook,
		Status:      jobs.Pending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := j.Validate(); err != nil {
		return jobs.Job{}, err
	}
	msg := fmt.Sprintf("job created for %q, checking every %s, up to %d attempts", in.Service.Name, in.Interval, in.MaxAttempts)
	if _, err := m.sink.Transition(ctx, j.ID, "", string(jobs.Pending), events.LevelInfo, msg); err != nil {
		return jobs.Job{}, err
	}
	if err := m.jobs.Create(ctx, j); err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

func (m *Machine) Get(ctx context.Context, id string) (jobs.Job, error) {
	return m.jobs.Get(ctx, id)
}

func (m *Machine) List(ctx context.Context, f jobs.Filter) ([]jobs.Job, error) {
	return m.jobs.List(ctx, f)
}

func (m *Machine) Bookings(ctx context.Context, id string) ([]jobs.BookingRecord, error) {
	return m.jobs.Bookings(ctx, id)
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Events pages through a job's log after sinceSeq.
func (m *Machine) Events(ctx context.Context, id string, sinceSeq int64, limit int) ([]events.Event, error) {
	if _, err := m.jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)
	return m.sink.List(ctx, id, sinceSeq, limit)
}

// Stop ends a job. An attempt in flight sees the request at its next stage
// boundary; its result is then discarded.
func (m *Machine) Stop(ctx context.Context, id string) (jobs.Job, error) {
	if _, err := m.jobs.Get(ctx, id); err != nil {
		return jobs.Job{}, err
	}
	var out jobs.Job
	err := m.do(ctx, id, func(a *actor) error {
		j, err := m.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return jobs.ErrTerminal
		}
		a.cancelled.Store(true)
		msg := "stopped by request"
		if a.running {
			msg += ", cancelling the attempt in progress"
		}
		if err := m.transition(ctx, &j, jobs.Stopped, events.LevelWarning, msg); err != nil {
			return err
		}
		m.finish(a, id)
		out = j
		return nil
	})
	return out, err
}

// SubmitCode hands a verification code to the job's next verification stage.
func (m *Machine) SubmitCode(ctx context.Context, id, code string) (jobs.Job, error) {
	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if j.Status.Terminal() {
		return jobs.Job{}, jobs.ErrTerminal
	}
	if err := m.codes.Submit(id, code); err != nil {
		return jobs.Job{}, err
	}
	if _, err := m.sink.Emit(ctx, id, events.LevelInfo, events.KindNotice, "verification code submitted", nil); err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

// Recover makes every job record agree with its event log and returns the
// jobs that still need scheduling.
func (m *Machine) Recover(ctx context.Context) ([]jobs.Job, error) {
	all, err := m.jobs.List(ctx, jobs.Filter{})
	if err != nil {
		return nil, err
	}
	var active []jobs.Job
	for _, j := range all {
		got, err := m.reconcile(ctx, j)
		if err != nil {
			m.logger.Warn("reconcile job", zap.String("job_id", j.ID), zap.Error(err))
			got = j
		}
		if !got.Status.Terminal() {
			active = append(active, got)
		}
	}
	return active, nil
}

func (m *Machine) reconcile(ctx context.Context, j jobs.Job) (jobs.Job, error) {
	var out jobs.Job
	err := m.do(ctx, j.ID, func(a *actor) error {
		cur, err := m.jobs.Get(ctx, j.ID)
		if err != nil {
			return err
		}
		defer func() {
			out = cur
			if cur.Status.Terminal() {
				m.finish(a, j.ID)
			}
		}()
		status, ok, err := m.sink.ReplayJob(ctx, j.ID)
		if err != nil || !ok {
			return err
		}
		want := jobs.Status(status)
		if want == cur.Status || !want.Valid() {
			return nil
		}
		m.logger.Warn("job record behind its event log",
			zap.String("job_id", j.ID), zap.String("record", string(cur.Status)), zap.String("log", status))
		next := cur
		next.Status = want
		next.UpdatedAt = m.clock.Now().UTC()
		if err := m.jobs.Update(ctx, next, cur.Status); err != nil {
			return err
		}
		cur = next
		return nil
	})
	return out, err
}

// transition appends the transition event and only then persists j in its
// new status, with a compare-and-swap on the old one.
func (m *Machine) transition(ctx context.Context, j *jobs.Job, to jobs.Status, level events.Level, msg string) error {
	from := j.Status
	if from == to {
		return m.save(ctx, j)
	}
	if !jobs.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", jobs.ErrInvalidTransition, from, to)
	}
	if _, err := m.sink.Transition(ctx, j.ID, string(from), string(to), level, msg); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	j.Status = to
	j.UpdatedAt = m.clock.Now().UTC()
	if err := m.jobs.Update(ctx, *j, from); err != nil {
		j.Status = from
		return fmt.Errorf("persist %s: %w", to, err)
	}
	metricsTransition(from, to)
	return nil
}

func (m *Machine) save(ctx context.Context, j *jobs.Job) error {
	j.UpdatedAt = m.clock.Now().UTC()
	return m.jobs.Update(ctx, *j, j.Status)
}

// finish releases per-job resources once a job is terminal.
func (m *Machine) finish(a *actor, id string) {
	m.codes.Forget(id)
	a.retire = true
}

// Attempt implements scheduler.Attempter.
func (m *Machine) Attempt(ctx context.Context, id string) scheduler.Decision {
	var p *plan
	err := m.do(ctx, id, func(a *actor) error {
		var err error
		p, err = m.begin(ctx, a, id)
		return err
	})
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrTerminal):
		return scheduler.Decision{Done: true}
	case errors.Is(err, errBusy):
		return scheduler.Decision{Delay: p.interval()}
	case err != nil:
		m.logger.Error("begin attempt", zap.String("job_id", id), zap.Error(err))
		return scheduler.Decision{Delay: storeRetryDelay, Backoff: true}
	}

	started := m.clock.Now()
	res := m.runner.Run(ctx, p.attempt)
	observeAttempt(res, m.clock.Now().Sub(started))

	var d scheduler.Decision
	actx := context.WithoutCancel(ctx)
	err = m.do(actx, id, func(a *actor) error {
		var err error
		d, err = m.apply(actx, a, p, res)
		return err
	})
	if err != nil {
		if errors.Is(err, jobs.ErrTerminal) || errors.Is(err, jobs.ErrNotFound) {
			return scheduler.Decision{Done: true}
		}
		m.logger.Error("record attempt", zap.String("job_id", id), zap.Error(err))
		return scheduler.Decision{Delay: p.interval(), Backoff: true}
	}
	return d
}

var errBusy = errors.New("machine: attempt already in flight")

// plan is the state an attempt starts from.
type plan struct {
	job     jobs.Job
	profile profile.Profile
	attempt session.Attempt
	obs     *observer
}

func (p *plan) interval() time.Duration {
	if p == nil || p.job.Interval <= 0 {
		return storeRetryDelay
	}
	return p.job.Interval
}

func (m *Machine) begin(ctx context.Context, a *actor, id string) (*plan, error) {
	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, jobs.ErrTerminal
	}
	if a.running {
		return &plan{job: j}, errBusy
	}
	p, err := m.profiles.Get(ctx, j.ProfileID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			ferr := m.transition(ctx, &j, jobs.Failed, events.LevelError, "profile "+j.ProfileID+" no longer exists")
			if ferr != nil {
				return nil, ferr
			}
			m.finish(a, id)
			return nil, jobs.ErrTerminal
		}
		return nil, err
	}
	if j.Status == jobs.Pending {
		if err := m.transition(ctx, &j, jobs.Monitoring, events.LevelInfo, "monitoring started"); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	att := session.Attempt{
		JobID:         j.ID,
		Number:        j.Attempts + 1,
		Started:       now,
		Profile:       p,
		Keywords:      append([]string{j.Service.Name}, j.Service.Keywords...),
		AutoBook:      j.AutoBook,
		Mode:          session.ModeDiscover,
		StageFailures: j.Clone().StageFailures,
		Cancelled:     a.cancelled.Load,
	}
	if j.Status == jobs.OTPWaiting && j.OTPSince != nil {
		att.WaitingSince = *j.OTPSince
	}
	if j.Appointment != nil {
		held := heldSlot(*j.Appointment)
		switch {
		case j.Status == jobs.AppointmentFound && !j.AutoBook:
			att.Mode = session.ModeVerifyHeld
			att.Held = &held
		case j.SlotFoundAt != nil && now.Sub(*j.SlotFoundAt) <= m.cfg.HoldWindow:
			att.Held = &held
		}
	}
	obs := &observer{m: m, jobID: j.ID}
	att.Observer = obs

	msg := fmt.Sprintf("attempt %d of %d started", att.Number, j.MaxAttempts)
	if att.Mode == session.ModeVerifyHeld {
		msg = fmt.Sprintf("attempt %d of %d: re-checking %s", att.Number, j.MaxAttempts, j.Appointment)
	}
	if _, err := m.sink.Emit(ctx, j.ID, events.LevelInfo, events.KindAttempt, msg, map[string]any{"attempt": att.Number}); err != nil {
		return nil, err
	}
	a.running = true
	return &plan{job: j, profile: p, attempt: att, obs: obs}, nil
}

func heldSlot(ap jobs.Appointment) session.Slot {
	return session.Slot{Location: ap.Location, Date: ap.Date, Time: ap.Time, Label: ap.Date.Format("01/02/2006")}
}

// attemptPayload is the structured part of an attempt's result event.
type attemptPayload struct {
	Attempt       int           `json:"attempt"`
	Outcome       string        `json:"outcome"`
	Class         string        `json:"class,omitempty"`
	Stage         string        `json:"stage,omitempty"`
	Slot          *session.Slot `json:"slot,omitempty"`
	Confirmation  string        `json:"confirmation,omitempty"`
	Error         string        `json:"error,omitempty"`
	Note          string        `json:"note,omitempty"`
	Artifacts     []string      `json:"artifacts,omitempty"`
	StageFailures int           `json:"stage_failures,omitempty"`
}

// apply folds one attempt's result into the job and decides when it runs
// next.
func (m *Machine) apply(ctx context.Context, a *actor, p *plan, res session.Result) (scheduler.Decision, error) {
	defer func() { a.running = false }()

	j, err := m.jobs.Get(ctx, p.job.ID)
	if err != nil {
		return scheduler.Decision{}, err
	}
	if j.Status.Terminal() {
		_, err := m.sink.Emit(ctx, j.ID, events.LevelInfo, events.KindAttempt,
			fmt.Sprintf("attempt %d ended after the job was %s", p.attempt.Number, j.Status), attemptPayload{
				Attempt: p.attempt.Number, Outcome: string(res.Outcome),
			})
		return scheduler.Decision{Done: true}, err
	}
	normal := scheduler.Decision{Delay: j.Interval}
	if res.Outcome == session.OutcomeCancelled {
		_, err := m.sink.Emit(ctx, j.ID, events.LevelInfo, events.KindAttempt,
			fmt.Sprintf("attempt %d cancelled before it finished", p.attempt.Number), attemptPayload{
				Attempt: p.attempt.Number, Outcome: string(res.Outcome),
			})
		return normal, err
	}

	now := m.clock.Now().UTC()
	j.Attempts++
	j.LastAttemptAt = &now
	trackStageFailures(&j, res)
	if res.Err != nil {
		j.LastError = res.Err.Error()
	}

	payload := attemptPayload{
		Attempt:       p.attempt.Number,
		Outcome:       string(res.Outcome),
		Class:         string(res.Class),
		Stage:         string(res.Stage),
		Slot:          res.Slot,
		Confirmation:  res.Confirmation,
		Note:          res.Note,
		Artifacts:     res.Artifacts,
		StageFailures: res.StageFailures,
	}
	if res.Err != nil {
		payload.Error = res.Err.Error()
	}
	if _, err := m.sink.Emit(ctx, j.ID, attemptLevel(res), events.KindAttempt, describe(p.attempt.Number, res), payload); err != nil {
		return scheduler.Decision{}, err
	}

	var d scheduler.Decision
	switch res.Outcome {
	case session.OutcomeBooked:
		return m.booked(ctx, a, &j, p, res)

	case session.OutcomeNoSlot:
		msg := "no appointment available, continuing to monitor"
		if j.Status == jobs.AppointmentFound || j.Status == jobs.Booking {
			msg = "the slot is no longer offered, back to monitoring"
			j.Appointment, j.SlotFoundAt = nil, nil
		}
		j.OTPSince = nil
		err = m.transition(ctx, &j, jobs.Monitoring, events.LevelInfo, msg)
		d = normal

	case session.OutcomeSlotFound:
		err = m.parked(ctx, &j, p, res)
		d = scheduler.Decision{Delay: max(m.cfg.RecheckInterval, j.Interval)}

	case session.OutcomeVerificationRequired:
		entering := j.Status != jobs.OTPWaiting
		if j.OTPSince == nil {
			// from this attempt's start, so a code typed while it was
			// still running is kept for the next one
			started := p.attempt.Started.UTC()
			j.OTPSince = &started
		}
		err = m.transition(ctx, &j, jobs.OTPWaiting, events.LevelWarning,
			"verification code not received in time; submit the code or wait for the next attempt")
		if err == nil && entering {
			m.notify(j, p.profile, notify.KindOTPWaiting, nil, "")
		}
		d = scheduler.Decision{Delay: min(m.cfg.OTPRetryDelay, j.Interval)}

	case session.OutcomeTransientError:
		j.OTPSince = nil
		err = m.transition(ctx, &j, jobs.Monitoring, events.LevelWarning,
			fmt.Sprintf("temporary problem at %s, retrying with backoff", res.Stage))
		d = scheduler.Decision{Delay: j.Interval, Backoff: true}

	case session.OutcomeFatalError:
		if res.Class == session.ClassStructural {
			reason := fmt.Sprintf("the portal page at %s no longer matches after %d tries; the site may have changed",
				res.Stage, res.StageFailures)
			if err := m.fail(ctx, a, &j, p, reason); err != nil {
				return scheduler.Decision{}, err
			}
			return scheduler.Decision{Done: true}, nil
		}
		j.OTPSince = nil
		err = m.transition(ctx, &j, jobs.Monitoring, events.LevelWarning,
			fmt.Sprintf("the portal rejected the submitted input at %s; waiting for the next scheduled attempt", res.Stage))
		d = normal

	default:
		err = fmt.Errorf("unknown outcome %q", res.Outcome)
	}
	if err != nil {
		return scheduler.Decision{}, err
	}

	if j.Attempts >= j.MaxAttempts {
		if err := m.fail(ctx, a, &j, p, fmt.Sprintf("reached the limit of %d attempts", j.MaxAttempts)); err != nil {
			return scheduler.Decision{}, err
		}
		return scheduler.Decision{Done: true}, nil
	}
	if err := m.save(ctx, &j); err != nil {
		return scheduler.Decision{}, err
	}
	return d, nil
}

// parked leaves the job in appointment_found after a slot was seen without
// booking it. The first sighting is recorded and announced.
func (m *Machine) parked(ctx context.Context, j *jobs.Job, p *plan, res session.Result) error {
	if res.Slot != nil && j.Status != jobs.AppointmentFound {
		// the observer transition did not land; make it here
		p.obs.fresh = m.found(j, *res.Slot)
	}
	if err := m.transition(ctx, j, jobs.AppointmentFound, events.LevelSuccess,
		fmt.Sprintf("appointment found: %s", appointmentOf(res.Slot))); err != nil {
		return err
	}
	if !p.obs.fresh || res.Slot == nil {
		return nil
	}
	rec := jobs.BookingRecord{
		ID:        uuid.NewString(),
		JobID:     j.ID,
		Location:  res.Slot.Location,
		Date:      res.Slot.Date,
		Time:      res.Slot.Time,
		Confirmed: false,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.jobs.CreateBooking(ctx, rec); err != nil {
		return err
	}
	m.notify(*j, p.profile, notify.KindSlotFound, &rec, "")
	return nil
}

func (m *Machine) booked(ctx context.Context, a *actor, j *jobs.Job, p *plan, res session.Result) (scheduler.Decision, error) {
	if res.Slot != nil {
		m.found(j, *res.Slot)
	}
	if j.Status != jobs.Booking {
		if j.Status != jobs.AppointmentFound {
			if err := m.transition(ctx, j, jobs.AppointmentFound, events.LevelSuccess,
				"appointment found: "+appointmentOf(res.Slot)); err != nil {
				return scheduler.Decision{}, err
			}
		}
		if err := m.transition(ctx, j, jobs.Booking, events.LevelInfo, "booking "+appointmentOf(res.Slot)); err != nil {
			return scheduler.Decision{}, err
		}
	}
	j.Confirmation = res.Confirmation
	j.OTPSince = nil
	rec := jobs.BookingRecord{
		ID:             uuid.NewString(),
		JobID:          j.ID,
		ConfirmationID: res.Confirmation,
		Confirmed:      true,
		CreatedAt:      m.clock.Now().UTC(),
	}
	if j.Appointment != nil {
		rec.Location, rec.Date, rec.Time = j.Appointment.Location, j.Appointment.Date, j.Appointment.Time
	}
	msg := "appointment booked: " + appointmentOf(res.Slot)
	if res.Confirmation != "" {
		msg += ", confirmation " + res.Confirmation
	}
	if err := m.transition(ctx, j, jobs.Booked, events.LevelSuccess, msg); err != nil {
		return scheduler.Decision{}, err
	}
	if err := m.jobs.CreateBooking(ctx, rec); err != nil {
		return scheduler.Decision{}, err
	}
	m.finish(a, j.ID)
	m.notify(*j, p.profile, notify.KindBooked, &rec, "")
	return scheduler.Decision{Done: true}, nil
}

func (m *Machine) fail(ctx context.Context, a *actor, j *jobs.Job, p *plan, reason string) error {
	j.LastError = reason
	if err := m.transition(ctx, j, jobs.Failed, events.LevelError, "monitoring failed: "+reason); err != nil {
		return err
	}
	m.finish(a, j.ID)
	m.notify(*j, p.profile, notify.KindFailed, nil, reason)
	return nil
}

// found records s on the job and reports whether it is a new slot.
func (m *Machine) found(j *jobs.Job, s session.Slot) bool {
	now := m.clock.Now().UTC()
	fresh := j.Appointment == nil || !sameDay(j.Appointment.Date, s.Date) || j.Appointment.Location != s.Location
	j.Appointment = &jobs.Appointment{Location: s.Location, Date: s.Date, Time: s.Time}
	j.SlotFoundAt = &now
	return fresh
}

// slotFound runs in the actor when the driver reports a slot mid-attempt.
func (m *Machine) slotFound(ctx context.Context, o *observer, s session.Slot) error {
	j, err := m.jobs.Get(ctx, o.jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	o.fresh = m.found(&j, s)
	j.OTPSince = nil
	if err := m.transition(ctx, &j, jobs.AppointmentFound, events.LevelSuccess, "appointment found: "+appointmentOf(&s)); err != nil {
		return err
	}
	if j.AutoBook {
		return m.transition(ctx, &j, jobs.Booking, events.LevelInfo, "booking "+appointmentOf(&s))
	}
	return nil
}

func (m *Machine) notify(j jobs.Job, p profile.Profile, kind notify.Kind, rec *jobs.BookingRecord, reason string) {
	if m.notifier == nil {
		return
	}
	msg := notify.Message{
		Kind:    kind,
		JobID:   j.ID,
		Profile: p,
		Booking: rec,
		Reason:  reason,
		At:      m.clock.Now(),
		Link:    m.cfg.Link,
	}
	log := m.logger.With(zap.String("job_id", j.ID), zap.String("kind", string(kind)))
	m.notes.Add(1)
	go func() {
		defer m.notes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, msg); err != nil {
			log.Warn("notification failed", zap.Error(err))
		}
	}()
}

func trackStageFailures(j *jobs.Job, res session.Result) {
	for _, st := range res.Passed {
		delete(j.StageFailures, string(st))
	}
	if res.StageFailures > 0 {
		if j.StageFailures == nil {
			j.StageFailures = map[string]int{}
		}
		j.StageFailures[string(res.Stage)] = res.StageFailures
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func appointmentOf(s *session.Slot) string {
	if s == nil {
		return "unknown slot"
	}
	return jobs.Appointment{Location: s.Location, Date: s.Date, Time: s.Time}.String()
}

func attemptLevel(res session.Result) events.Level {
	switch res.Outcome {
	case session.OutcomeBooked, session.OutcomeSlotFound:
		return events.LevelSuccess
	case session.OutcomeFatalError:
		return events.LevelError
	case session.OutcomeTransientError, session.OutcomeVerificationRequired:
		return events.LevelWarning
	}
	return events.LevelInfo
}

func describe(n int, res session.Result) string {
	switch res.Outcome {
	case session.OutcomeNoSlot:
		if res.Note != "" {
			return fmt.Sprintf("attempt %d: no slot (%s)", n, res.Note)
		}
		return fmt.Sprintf("attempt %d: no slot", n)
	case session.OutcomeSlotFound:
		return fmt.Sprintf("attempt %d: slot available on %s", n, appointmentOf(res.Slot))
	case session.OutcomeBooked:
		return fmt.Sprintf("attempt %d: booked %s", n, appointmentOf(res.Slot))
	case session.OutcomeVerificationRequired:
		return fmt.Sprintf("attempt %d: stopped at verification, no code arrived", n)
	case session.OutcomeTransientError, session.OutcomeFatalError:
		return fmt.Sprintf("attempt %d: %s error at %s: %v", n, res.Class, res.Stage, res.Err)
	}
	return fmt.Sprintf("attempt %d: %s", n, res.Outcome)
}
