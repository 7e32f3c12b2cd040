package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/artifact"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/example/appt-scheduler/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testCfg = session.Config{
	StageTimeout:     300 * time.Millisecond,
	PollInterval:     2 * time.Millisecond,
	MaxStageFailures: 3,
	VerifyTimeout:    time.Second,
}

func day(offset int) string {
	return time.Now().AddDate(0, 0, offset).Format("01/02/2006")
}

func testProfile() profile.Profile {
	return profile.Profile{
		ID:           "p1",
		FirstName:    "Ana",
		LastName:     "Ruiz",
		DOB:          time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC),
		Last4:        "1234",
		Phone:        "(940) 555-0101",
		Email:        "ana@example.com",
		PostalCode:   "76201",
		SlotPriority: profile.PriorityAny,
	}
}

type fixture struct {
	portal *portal
	obs    *observer
	store  artifact.Store
	waiter session.CodeWaiter
	cfg    session.Config
}

func newFixture(t *testing.T, dates ...string) *fixture {
	return &fixture{
		portal: newPortal(dates...),
		obs:    &observer{},
		store:  artifact.NewDir(t.TempDir()),
		waiter: codeWaiter("482913"),
		cfg:    testCfg,
	}
}

func (f *fixture) run(t *testing.T, a session.Attempt) session.Result {
	t.Helper()
	site, err := session.DefaultSite()
	require.NoError(t, err)
	d := session.NewDriver(site, f.portal, f.waiter, f.store, f.cfg, nil, nil)
	if a.JobID == "" {
		a.JobID = "job-1"
	}
	if a.Number == 0 {
		a.Number = 1
	}
	if a.Profile.ID == "" {
		a.Profile = testProfile()
	}
	if a.Keywords == nil {
		a.Keywords = []string{"Renew Texas DL/ID", "Renew"}
	}
	a.Observer = f.obs
	return d.Run(context.Background(), a)
}

func TestBooksBestSlot(t *testing.T) {
	f := newFixture(t, day(10), day(1))

	res := f.run(t, session.Attempt{AutoBook: true})

	require.Equal(t, session.OutcomeBooked, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "99AB12", res.Confirmation)
	require.NotNil(t, res.Slot)
	assert.Equal(t, day(1), res.Slot.Label)
	assert.Equal(t, "8:00 AM", res.Slot.Time)
	assert.Equal(t, "Denton Mega Center", res.Slot.Location)
	assert.Contains(t, res.Passed, session.StageConfirmation)
	assert.Empty(t, res.Artifacts)

	values := f.portal.filled()
	assert.Contains(t, values, "Ana")
	assert.Contains(t, values, "04/12/1990")
	assert.Contains(t, values, "482913")
	assert.Contains(t, values, "9405550101")
	assert.Contains(t, values, "76201")

	require.Len(t, f.obs.found(), 1)
	assert.Equal(t, day(1), f.obs.found()[0].Label)
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestSlotFoundWithoutAutoBook(t *testing.T) {
	f := newFixture(t, day(3))

	res := f.run(t, session.Attempt{})

	require.Equal(t, session.OutcomeSlotFound, res.Outcome)
	require.NotNil(t, res.Slot)
	assert.Equal(t, day(3), res.Slot.Label)
	assert.InDelta(t, 0.75, res.Slot.Score, 0.001)
	for _, c := range f.portal.clicked() {
		assert.NotContains(t, c, "dates|next", "must not book without auto-book")
	}
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestNoAvailability(t *testing.T) {
	f := newFixture(t)
	f.portal.routes["location|next"] = "none"

	res := f.run(t, session.Attempt{AutoBook: true})

	assert.Equal(t, session.OutcomeNoSlot, res.Outcome)
	assert.Nil(t, res.Slot)
	assert.False(t, res.IsError())
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestNoDatesOffered(t *testing.T) {
	f := newFixture(t, day(-2))

	res := f.run(t, session.Attempt{AutoBook: true})

	assert.Equal(t, session.OutcomeNoSlot, res.Outcome)
}

func TestFallsBackToNextDate(t *testing.T) {
	f := newFixture(t, day(1), day(2))
	f.portal.routes["dates|next"] = "times_empty"
	f.portal.onClick = func(p *portal, key string) {
		if key == "times_empty|previous" {
			p.routes["dates|next"] = "times"
		}
	}

	res := f.run(t, session.Attempt{AutoBook: true})

	require.Equal(t, session.OutcomeBooked, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, day(2), res.Slot.Label)
}

func TestSlotTakenAtConfirm(t *testing.T) {
	f := newFixture(t, day(1))
	f.portal.routes["confirm|confirm"] = "taken"

	res := f.run(t, session.Attempt{AutoBook: true})

	assert.Equal(t, session.OutcomeFatalError, res.Outcome)
	assert.Equal(t, session.ClassFatalInput, res.Class)
	assert.Equal(t, session.StageConfirm, res.Stage)
}

func TestVerificationTimeout(t *testing.T) {
	f := newFixture(t, day(1))
	f.waiter = timeoutWaiter()

	res := f.run(t, session.Attempt{AutoBook: true})

	assert.Equal(t, session.OutcomeVerificationRequired, res.Outcome)
	assert.Equal(t, session.StageVerification, res.Stage)
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestWrongCodeIsFatalInput(t *testing.T) {
	f := newFixture(t, day(1))
	f.portal.routes["verify|submit"] = "verify_rejected"

	res := f.run(t, session.Attempt{AutoBook: true})

	assert.Equal(t, session.OutcomeFatalError, res.Outcome)
	assert.Equal(t, session.ClassFatalInput, res.Class)
	assert.Equal(t, session.StageVerification, res.Stage)
	assert.Zero(t, res.StageFailures)
	var se *session.StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, session.KindRejected, se.Kind)
}

func TestStageTimeoutEscalates(t *testing.T) {
	cfg := testCfg
	cfg.StageTimeout = 30 * time.Millisecond

	f := newFixture(t)
	f.cfg = cfg
	delete(f.portal.routes, "landing|english")
	res := f.run(t, session.Attempt{})

	assert.Equal(t, session.OutcomeTransientError, res.Outcome)
	assert.Equal(t, session.ClassTransient, res.Class)
	assert.Equal(t, session.StageIdentity, res.Stage)
	assert.Equal(t, 1, res.StageFailures)
	assert.Len(t, res.Artifacts, 2)
	var se *session.StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, session.KindTimeout, se.Kind)

	f = newFixture(t)
	f.cfg = cfg
	delete(f.portal.routes, "landing|english")
	res = f.run(t, session.Attempt{StageFailures: map[string]int{"identity": 2}})

	assert.Equal(t, session.OutcomeFatalError, res.Outcome)
	assert.Equal(t, session.ClassStructural, res.Class)
	assert.Equal(t, 3, res.StageFailures)
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestServiceMismatch(t *testing.T) {
	f := newFixture(t, day(1))

	res := f.run(t, session.Attempt{Keywords: []string{"Commercial Driver License"}})

	assert.Equal(t, session.OutcomeTransientError, res.Outcome)
	assert.Equal(t, session.StageServiceSelection, res.Stage)
	assert.Equal(t, 1, res.StageFailures)
	assert.Contains(t, res.Passed, session.StageServiceSelection)
}

func TestCancelledAtStageBoundary(t *testing.T) {
	f := newFixture(t, day(1))
	var stopped atomic.Bool
	f.obs.onStep = func(st session.Stage) {
		if st == session.StageServiceSelection {
			stopped.Store(true)
		}
	}

	res := f.run(t, session.Attempt{AutoBook: true, Cancelled: stopped.Load})

	assert.Equal(t, session.OutcomeCancelled, res.Outcome)
	assert.Empty(t, res.Artifacts)
	assert.Empty(t, f.obs.found())
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, day(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	site, err := session.DefaultSite()
	require.NoError(t, err)
	d := session.NewDriver(site, f.portal, f.waiter, f.store, f.cfg, nil, nil)
	res := d.Run(ctx, session.Attempt{JobID: "j", Profile: testProfile(), Keywords: []string{"Renew"}})

	assert.Equal(t, session.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestVerifyHeldSlot(t *testing.T) {
	held := session.Slot{Date: mustDate(t, day(4)), Label: day(4)}

	f := newFixture(t, day(1), day(4))
	res := f.run(t, session.Attempt{Mode: session.ModeVerifyHeld, Held: &held})
	require.Equal(t, session.OutcomeSlotFound, res.Outcome)
	assert.Equal(t, day(4), res.Slot.Label)
	assert.Empty(t, f.obs.found(), "re-verifying does not announce a new slot")

	f = newFixture(t, day(1))
	res = f.run(t, session.Attempt{Mode: session.ModeVerifyHeld, Held: &held})
	assert.Equal(t, session.OutcomeNoSlot, res.Outcome)
	assert.Contains(t, res.Note, "no longer offered")
}

func TestPanicClosesPage(t *testing.T) {
	f := newFixture(t, day(1))
	f.portal.panicAt = "service"

	res := f.run(t, session.Attempt{AutoBook: true})

	assert.Equal(t, session.OutcomeTransientError, res.Outcome)
	var se *session.StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, session.KindUnexpected, se.Kind)
	assert.Equal(t, 1, f.portal.closedCount())
}

func TestBrowserOpenFails(t *testing.T) {
	f := newFixture(t)
	f.portal.openErr = errBrowserGone

	res := f.run(t, session.Attempt{})

	assert.Equal(t, session.OutcomeTransientError, res.Outcome)
	assert.True(t, errors.Is(res.Err, errBrowserGone))
	assert.Zero(t, f.portal.closedCount())
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("01/02/2006", s)
	require.NoError(t, err)
	return d
}
