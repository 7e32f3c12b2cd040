// Package session drives one traversal of the appointment portal per
// attempt. Stages are recognised by signature data (see Site), so a portal
// redesign needs a new signature file rather than new driver code.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/example/appt-scheduler/internal/artifact"
	"github.com/example/appt-scheduler/internal/metrics"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/example/appt-scheduler/internal/verify"
	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

type Mode int

const (
	// ModeDiscover searches for slots and, with AutoBook, books one.
	ModeDiscover Mode = iota
	// ModeVerifyHeld only checks that the held slot is still offered.
	ModeVerifyHeld
)

// Observer receives progress while an attempt runs. Both methods are called
// synchronously from the attempt.
type Observer interface {
	Step(ctx context.Context, stage Stage, msg string)
	SlotFound(ctx context.Context, s Slot)
}

type Attempt struct {
	JobID   string
	Number  int
	Started time.Time
	// WaitingSince is when the job began waiting on a verification code;
	// codes typed in from then on still count.
	WaitingSince time.Time
	Profile      profile.Profile
	Keywords     []string
	AutoBook     bool
	Mode         Mode
	Held         *Slot
	// StageFailures is the consecutive signature-miss count per stage
	// before this attempt.
	StageFailures map[string]int
	// Cancelled is polled at every stage boundary.
	Cancelled func() bool
	Observer  Observer
}

type CodeWaiter interface {
	AwaitCode(ctx context.Context, req verify.Request) (verify.Code, error)
}

type Config struct {
	StageTimeout     time.Duration
	PollInterval     time.Duration
	MaxStageFailures int
	VerifyTimeout    time.Duration
}

type Driver struct {
	site      *Site
	browser   Browser
	waiter    CodeWaiter
	artifacts artifact.Store
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
}

func NewDriver(site *Site, browser Browser, waiter CodeWaiter, artifacts artifact.Store, cfg Config, clk clock.Clock, logger *zap.Logger) *Driver {
	if artifacts == nil {
		artifacts = artifact.Discard{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxStageFailures < 1 {
		cfg.MaxStageFailures = 1
	}
	return &Driver{
		site:      site,
		browser:   browser,
		waiter:    waiter,
		artifacts: artifacts,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.Named("session"),
	}
}

// Run performs one attempt. The page is closed on every return path,
// including panics inside the traversal.
func (d *Driver) Run(ctx context.Context, a Attempt) (res Result) {
	r := &run{d: d, a: a, stage: StageLanding, log: d.logger.With(zap.String("job_id", a.JobID), zap.Int("attempt", a.Number))}
	if r.a.Started.IsZero() {
		r.a.Started = d.clock.Now()
	}

	page, err := d.browser.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.result(ctx, errCancelled, nil)
		}
		return r.result(ctx, &StageError{Stage: StageLanding, Kind: KindPage, Err: fmt.Errorf("open browser: %w", err)}, nil)
	}
	r.page = page

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("attempt panicked", zap.Any("panic", p), zap.Stack("stack"))
			res = r.result(ctx, &StageError{Stage: r.stage, Kind: KindUnexpected, Err: fmt.Errorf("panic: %v", p)}, nil)
		}
		if err := page.Close(); err != nil {
			r.log.Warn("close page", zap.Error(err))
		}
	}()

	slot, confirmation, err := r.traverse(ctx)
	if err == nil && confirmation != "" {
		r.res.Confirmation = confirmation
	}
	return r.result(ctx, err, slot)
}

// done signals a non-error end of the traversal.
type done struct {
	outcome Outcome
	note    string
}

func (e *done) Error() string { return string(e.outcome) }

type run struct {
	d     *Driver
	a     Attempt
	page  Page
	stage Stage
	log   *zap.Logger
	res   Result
}

func (r *run) traverse(ctx context.Context) (*Slot, string, error) {
	site := r.d.site

	r.enter(ctx, StageLanding, "opening portal")
	if err := r.page.Navigate(ctx, site.BaseURL); err != nil {
		return nil, "", r.pageErr(ctx, err)
	}
	if err := r.expect(ctx, StageLanding); err != nil {
		return nil, "", err
	}
	if err := r.perform(ctx, StageLanding, ""); err != nil {
		return nil, "", err
	}

	if err := r.expect(ctx, StageIdentity); err != nil {
		return nil, "", err
	}
	r.enter(ctx, StageIdentity, "entering identity")
	if err := r.perform(ctx, StageIdentity, ""); err != nil {
		return nil, "", err
	}

	next, err := r.await(ctx, site.Signature(StageIdentity).Next...)
	if err != nil {
		return nil, "", err
	}
	if next == StageVerification {
		if err := r.verification(ctx); err != nil {
			return nil, "", err
		}
	}

	r.enter(ctx, StageAppointmentType, "starting a new appointment")
	if err := r.perform(ctx, StageAppointmentType, ""); err != nil {
		return nil, "", err
	}

	if err := r.expect(ctx, StageServiceSelection); err != nil {
		return nil, "", err
	}
	r.enter(ctx, StageServiceSelection, "selecting service")
	if err := r.selectService(ctx); err != nil {
		return nil, "", err
	}

	if err := r.expect(ctx, StageLocationSearch); err != nil {
		return nil, "", err
	}
	r.enter(ctx, StageLocationSearch, "searching locations near "+r.a.Profile.PostalCode)
	if err := r.perform(ctx, StageLocationSearch, ""); err != nil {
		return nil, "", err
	}
	next, err = r.await(ctx, site.Signature(StageLocationSearch).Next...)
	if err != nil {
		return nil, "", err
	}
	if next == StageNoAvailability {
		return nil, "", &done{outcome: OutcomeNoSlot, note: "portal reports no availability"}
	}

	r.enter(ctx, StageDateSelection, "reading available dates")
	return r.pickAndBook(ctx)
}

func (r *run) pickAndBook(ctx context.Context) (*Slot, string, error) {
	site := r.d.site
	doc, err := r.snapshot(ctx)
	if err != nil {
		return nil, "", r.pageErr(ctx, err)
	}
	offered := Rank(site.extractSlots(doc), r.d.clock.Now(), r.a.Profile.SlotPriority)
	if len(offered) == 0 {
		return nil, "", &done{outcome: OutcomeNoSlot, note: "no dates offered"}
	}

	candidates := offered
	if r.a.Held != nil {
		held, ok := findDay(offered, *r.a.Held)
		switch {
		case ok:
			candidates = append([]Slot{held}, without(offered, held)...)
		case r.a.Mode == ModeVerifyHeld:
			return nil, "", &done{outcome: OutcomeNoSlot, note: "held slot " + r.a.Held.Label + " is no longer offered"}
		}
	}
	best := candidates[0]
	if r.a.Mode == ModeVerifyHeld {
		return &best, "", &done{outcome: OutcomeSlotFound, note: "held slot still offered"}
	}

	r.observer().SlotFound(ctx, best)
	if !r.a.AutoBook {
		return &best, "", &done{outcome: OutcomeSlotFound}
	}
	if err := r.checkpoint(ctx); err != nil {
		return &best, "", err
	}

	if len(candidates) > site.Slots.MaxDates {
		candidates = candidates[:site.Slots.MaxDates]
	}
	var lastErr error
	for i, c := range candidates {
		slot, confirmation, err := r.book(ctx, c)
		if err == nil {
			return slot, confirmation, nil
		}
		var de *done
		if !errors.As(err, &de) || i == len(candidates)-1 {
			return &c, "", err
		}
		lastErr = err
		r.log.Info("date has no times, trying next", zap.String("date", c.Label))
		if err := r.page.Click(ctx, site.Slots.Previous); err != nil {
			return &c, "", r.pageErr(ctx, err)
		}
		if err := r.expect(ctx, StageDateSelection); err != nil {
			return &c, "", err
		}
	}
	return nil, "", lastErr
}

// book reserves c from the date-selection page.
func (r *run) book(ctx context.Context, c Slot) (*Slot, string, error) {
	site := r.d.site
	if err := r.checkpoint(ctx); err != nil {
		return &c, "", err
	}
	date := Control{Selector: site.Slots.DateControl, Text: regexp.QuoteMeta(c.Label)}
	if err := r.page.Click(ctx, date); err != nil {
		return &c, "", r.mismatch(StageDateSelection, fmt.Errorf("click date %s: %w", c.Label, err))
	}
	if err := r.page.Click(ctx, site.Slots.Next); err != nil && !errors.Is(err, ErrNoMatch) {
		return &c, "", r.pageErr(ctx, err)
	}

	if err := r.expect(ctx, StageTimeSelection); err != nil {
		return &c, "", err
	}
	r.enter(ctx, StageTimeSelection, "selecting a time on "+c.Label)
	doc, err := r.snapshot(ctx)
	if err != nil {
		return &c, "", r.pageErr(ctx, err)
	}
	t, ok := site.firstTime(doc)
	if !ok {
		return &c, "", &done{outcome: OutcomeNoSlot, note: "no times on " + c.Label}
	}
	c.Time = t
	if err := r.page.Click(ctx, Control{Selector: site.Slots.TimeControl, Text: regexp.QuoteMeta(t)}); err != nil {
		return &c, "", r.mismatch(StageTimeSelection, fmt.Errorf("click time %s: %w", t, err))
	}
	if err := r.page.Click(ctx, site.Slots.Next); err != nil && !errors.Is(err, ErrNoMatch) {
		return &c, "", r.pageErr(ctx, err)
	}

	if err := r.expect(ctx, StageConfirm); err != nil {
		return &c, "", err
	}
	r.enter(ctx, StageConfirm, "confirming "+c.Label+" "+t)
	if err := r.perform(ctx, StageConfirm, ""); err != nil {
		return &c, "", err
	}
	if err := r.expectOrReject(ctx, StageConfirm, StageConfirmation); err != nil {
		return &c, "", err
	}
	doc, err = r.snapshot(ctx)
	if err != nil {
		return &c, "", r.pageErr(ctx, err)
	}
	r.enter(ctx, StageConfirmation, "appointment confirmed")
	return &c, site.confirmationID(doc), nil
}

func (r *run) verification(ctx context.Context) error {
	r.enter(ctx, StageVerification, "waiting for verification code")
	if r.d.waiter == nil {
		return errVerificationRequired
	}
	code, err := r.d.waiter.AwaitCode(ctx, verify.Request{
		Query: verify.Query{
			JobID:        r.a.JobID,
			Mailbox:      r.a.Profile.Mailbox,
			Since:        r.a.Started,
			WaitingSince: r.a.WaitingSince,
		},
		Deadline:  r.d.clock.Now().Add(r.d.cfg.VerifyTimeout),
		Cancelled: r.a.Cancelled,
	})
	switch {
	case errors.Is(err, verify.ErrCancelled):
		return errCancelled
	case errors.Is(err, verify.ErrTimeout):
		return errVerificationRequired
	case err != nil:
		return &StageError{Stage: StageVerification, Kind: KindUnexpected, Err: err}
	}

	metrics.IncreaseCodes(code.Source)
	r.observer().Step(ctx, StageVerification, "verification code received from "+code.Source)
	if err := r.perform(ctx, StageVerification, code.Value); err != nil {
		return err
	}
	return r.expectOrReject(ctx, StageVerification, StageAppointmentType)
}

func (r *run) selectService(ctx context.Context) error {
	if len(r.a.Keywords) == 0 {
		return &StageError{Stage: StageServiceSelection, Kind: KindMismatch, Err: errors.New("no service keywords")}
	}
	for _, kw := range r.a.Keywords {
		err := r.page.Click(ctx, Control{Selector: r.d.site.ServiceControl, Text: regexp.QuoteMeta(kw)})
		if err == nil {
			r.observer().Step(ctx, StageServiceSelection, "selected service matching "+kw)
			return nil
		}
		if !errors.Is(err, ErrNoMatch) {
			return r.pageErr(ctx, err)
		}
	}
	return r.mismatch(StageServiceSelection, fmt.Errorf("no service button matches %q", r.a.Keywords))
}

// perform runs a stage's clicks, fields and submit. code fills InputCode.
func (r *run) perform(ctx context.Context, st Stage, code string) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	sig := r.d.site.Signature(st)
	for _, c := range sig.Clicks {
		if err := r.page.Click(ctx, c); err != nil && !errors.Is(err, ErrNoMatch) {
			return r.pageErr(ctx, err)
		}
	}
	for _, f := range sig.Fields {
		v := r.value(f.Input, code)
		if v == "" {
			if f.Optional {
				continue
			}
			return &StageError{Stage: st, Kind: KindRejected, Err: fmt.Errorf("profile has no value for %s", f.Input)}
		}
		if err := r.page.Fill(ctx, f.Target, v); err != nil {
			if errors.Is(err, ErrNoMatch) {
				if f.Optional {
					continue
				}
				return r.mismatch(st, fmt.Errorf("field %s not found", f.Input))
			}
			return r.pageErr(ctx, err)
		}
	}
	if sig.Submit != nil {
		if err := r.page.Click(ctx, *sig.Submit); err != nil {
			if errors.Is(err, ErrNoMatch) {
				return r.mismatch(st, errors.New("submit control not found"))
			}
			return r.pageErr(ctx, err)
		}
	}
	return nil
}

func (r *run) value(in Input, code string) string {
	p := r.a.Profile
	switch in {
	case InputFirstName:
		return p.FirstName
	case InputLastName:
		return p.LastName
	case InputDOB:
		if p.DOB.IsZero() {
			return ""
		}
		return p.DOB.Format("01/02/2006")
	case InputLast4:
		return p.Last4
	case InputPhone:
		return profile.Digits(p.Phone)
	case InputEmail, InputEmailConfirm:
		return p.Email
	case InputPostalCode:
		return p.PostalCode
	case InputCode:
		return code
	}
	return ""
}

func (r *run) expect(ctx context.Context, st Stage) error {
	_, err := r.await(ctx, st)
	return err
}

// await polls until one of stages is detected (checked in order) or the
// stage timeout passes.
func (r *run) await(ctx context.Context, stages ...Stage) (Stage, error) {
	found, _, err := r.poll(ctx, "", stages)
	return found, err
}

// expectOrReject waits for next, failing fast if current shows its reject
// signature.
func (r *run) expectOrReject(ctx context.Context, current, next Stage) error {
	_, rejected, err := r.poll(ctx, current, []Stage{next})
	if err != nil {
		return err
	}
	if rejected {
		return &StageError{Stage: current, Kind: KindRejected, Err: errors.New("portal rejected the submitted input")}
	}
	return nil
}

func (r *run) poll(ctx context.Context, rejectOf Stage, stages []Stage) (Stage, bool, error) {
	if err := r.checkpoint(ctx); err != nil {
		return "", false, err
	}
	waitingFor := stages[0]
	deadline := r.d.clock.Now().Add(r.d.cfg.StageTimeout)
	var lastErr error
	for {
		doc, err := r.snapshot(ctx)
		if err != nil {
			lastErr = err
		} else {
			if rejectOf != "" && r.d.site.Signature(rejectOf).Rejected(doc) {
				return rejectOf, true, nil
			}
			for _, st := range stages {
				if r.d.site.Signature(st).Detects(doc) {
					r.pass(st)
					return st, false, nil
				}
			}
		}

		if err := r.checkpoint(ctx); err != nil {
			return "", false, err
		}
		if !r.d.clock.Now().Before(deadline) {
			if lastErr == nil {
				lastErr = fmt.Errorf("no signature for %v within %s", stages, r.d.cfg.StageTimeout)
			}
			return "", false, &StageError{Stage: waitingFor, Kind: KindTimeout, Err: lastErr}
		}
		select {
		case <-ctx.Done():
			return "", false, errCancelled
		case <-r.d.clock.After(r.d.cfg.PollInterval):
		}
	}
}

func (r *run) snapshot(ctx context.Context) (*goquery.Document, error) {
	html, err := r.page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parse(html)
}

func (r *run) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil || (r.a.Cancelled != nil && r.a.Cancelled()) {
		return errCancelled
	}
	return nil
}

func (r *run) enter(ctx context.Context, st Stage, msg string) {
	r.stage = st
	r.log.Debug("stage", zap.String("stage", string(st)))
	r.observer().Step(ctx, st, msg)
}

func (r *run) pass(st Stage) {
	for _, p := range r.res.Passed {
		if p == st {
			return
		}
	}
	r.res.Passed = append(r.res.Passed, st)
}

func (r *run) mismatch(st Stage, err error) error {
	return &StageError{Stage: st, Kind: KindMismatch, Err: err}
}

func (r *run) pageErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	return &StageError{Stage: r.stage, Kind: KindPage, Err: err}
}

func (r *run) observer() Observer {
	if r.a.Observer == nil {
		return nopObserver{}
	}
	return r.a.Observer
}

// result classifies how the traversal ended.
func (r *run) result(ctx context.Context, err error, slot *Slot) Result {
	res := r.res
	res.Stage = r.stage
	res.Slot = slot

	var (
		de *done
		se *StageError
	)
	switch {
	case err == nil:
		res.Outcome = OutcomeBooked
	case errors.As(err, &de):
		res.Outcome = de.outcome
		res.Note = de.note
	case errors.Is(err, errCancelled):
		res.Outcome = OutcomeCancelled
	case errors.Is(err, errVerificationRequired):
		res.Outcome = OutcomeVerificationRequired
		res.Stage = StageVerification
	case errors.As(err, &se):
		res.Err = se
		res.Stage = se.Stage
		switch {
		case se.Kind == KindRejected:
			res.Outcome, res.Class = OutcomeFatalError, ClassFatalInput
		case se.countsAgainstStage():
			res.StageFailures = r.a.StageFailures[string(se.Stage)] + 1
			if res.StageFailures >= r.d.cfg.MaxStageFailures {
				res.Outcome, res.Class = OutcomeFatalError, ClassStructural
			} else {
				res.Outcome, res.Class = OutcomeTransientError, ClassTransient
			}
		default:
			res.Outcome, res.Class = OutcomeTransientError, ClassTransient
		}
		res.Artifacts = r.capture(ctx)
	default:
		res.Err = err
		res.Outcome, res.Class = OutcomeTransientError, ClassTransient
		res.Artifacts = r.capture(ctx)
	}
	return res
}

// capture saves an HTML snapshot and a screenshot of the current page.
func (r *run) capture(ctx context.Context) []string {
	if r.page == nil {
		return nil
	}
	// the attempt context may already be done, so capture under its own timeout
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("%s/%03d-%s", r.a.JobID, r.a.Number, r.stage)
	var refs []string
	if html, err := r.page.HTML(cctx); err == nil {
		if ref, err := r.d.artifacts.Save(cctx, prefix+".html", "text/html", []byte(html)); err != nil {
			r.log.Warn("save html artifact", zap.Error(err))
		} else if ref != "" {
			refs = append(refs, ref)
		}
	}
	if png, err := r.page.Screenshot(cctx); err == nil && len(png) > 0 {
		if ref, err := r.d.artifacts.Save(cctx, prefix+".png", "image/png", png); err != nil {
			r.log.Warn("save screenshot artifact", zap.Error(err))
		} else if ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

func findDay(slots []Slot, want Slot) (Slot, bool) {
	for _, s := range slots {
		if s.SameDay(want) {
			return s, true
		}
	}
	return Slot{}, false
}

func without(slots []Slot, drop Slot) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if !s.SameDay(drop) {
			out = append(out, s)
		}
	}
	return out
}

type nopObserver struct{}

func (nopObserver) Step(context.Context, Stage, string) {}
func (nopObserver) SlotFound(context.Context, Slot)     {}
