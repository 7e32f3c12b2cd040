package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/appt-scheduler/internal/classify"
)

type Status string

const (
	Pending          Status = "pending"
	Monitoring       Status = "monitoring"
	AppointmentFound Status = "appointment_found"
	Booking          Status = "booking"
	Booked           Status = "booked"
	OTPWaiting       Status = "otp_waiting"
	Stopped          Status = "stopped"
	Failed           Status = "failed"
)

var transitions = map[Status][]Status{
	Pending:          {Monitoring, Stopped, Failed},
	Monitoring:       {AppointmentFound, OTPWaiting, Stopped, Failed},
	AppointmentFound: {Booking, Monitoring, OTPWaiting, Stopped, Failed},
	Booking:          {Booked, Monitoring, OTPWaiting, Stopped, Failed},
	OTPWaiting:       {Monitoring, AppointmentFound, Stopped, Failed},
}

func (s Status) Terminal() bool {
	return s == Booked || s == Stopped || s == Failed
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Monitoring, AppointmentFound, Booking, Booked, OTPWaiting, Stopped, Failed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrConflict          = errors.New("job status changed concurrently")
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Appointment is a slot the portal offered.
type Appointment struct {
	Location string    `json:"location"`
	Date     time.Time `json:"date"`
	Time     string    `json:"time,omitempty"`
}

func (a Appointment) String() string {
	s := a.Date.Format("01/02/2006")
	if a.Time != "" {
		s += " " + a.Time
	}
	if a.Location != "" {
		s += " at " + a.Location
	}
	return s
}

type Job struct {
	ID          string                      `json:"id"`
	ProfileID   string                      `json:"profile_id"`
	Service     classify.RecommendedService `json:"service"`
	Interval    time.Duration               `json:"interval"`
	MaxAttempts int                         `json:"max_attempts"`
	AutoBook    bool                        `json:"auto_book"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	// StageFailures counts consecutive signature misses per stage.
	StageFailures map[string]int `json:"stage_failures,omitempty"`

	Appointment   *Appointment `json:"appointment,omitempty"`
	SlotFoundAt   *time.Time   `json:"slot_found_at,omitempty"`
	Confirmation  string       `json:"confirmation,omitempty"`
	OTPSince      *time.Time   `json:"otp_since,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const MinInterval = 5 * time.Second

func (j Job) Validate() error {
	if j.ProfileID == "" {
		return fmt.Errorf("profile_id required")
	}
	if j.Service.Tag == "" {
		return fmt.Errorf("recommended service required")
	}
	if j.Interval < MinInterval {
		return fmt.Errorf("interval must be >= %s", MinInterval)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	return nil
}

// Clone returns a copy that shares no maps or pointers with j.
func (j Job) Clone() Job {
	c := j
	if j.StageFailures != nil {
		c.StageFailures = make(map[string]int, len(j.StageFailures))
		for k, v := range j.StageFailures {
			c.StageFailures[k] = v
		}
	}
	if j.Appointment != nil {
		a := *j.Appointment
		c.Appointment = &a
	}
	c.SlotFoundAt = clonePtr(j.SlotFoundAt)
	c.OTPSince = clonePtr(j.OTPSince)
	c.LastAttemptAt = clonePtr(j.LastAttemptAt)
	if j.Service.Keywords != nil {
		c.Service.Keywords = append([]string(nil), j.Service.Keywords...)
	}
	if j.Service.Tips != nil {
		c.Service.Tips = append([]string(nil), j.Service.Tips...)
	}
	return c
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// BookingRecord is written once per discovered or reserved slot and never
// updated.
type BookingRecord struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	Location       string    `json:"location"`
	Date           time.Time `json:"date"`
	Time           string    `json:"time,omitempty"`
	ConfirmationID string    `json:"confirmation_id,omitempty"`
	Confirmed      bool      `json:"confirmed"`
	CreatedAt      time.Time `json:"created_at"`
}

type Filter struct {
	ProfileID   string
	Statuses    []Status
	NonTerminal bool
}

func (f Filter) match(j Job) bool {
	if f.ProfileID != "" && j.ProfileID != f.ProfileID {
		return false
	}
	if f.NonTerminal && j.Status.Terminal() {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Update replaces j only if the stored status still equals expected.
	Update(ctx context.Context, j Job, expected Status) error
	List(ctx context.Context, f Filter) ([]Job, error)

	CreateBooking(ctx context.Context, b BookingRecord) error
	Bookings(ctx context.Context, jobID string) ([]BookingRecord, error)
}
