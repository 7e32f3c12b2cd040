// Package notify tells the profile owner about slots, bookings and codes the
// portal is waiting for.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/metrics"
	"github.com/example/appt-scheduler/internal/profile"
	"go.uber.org/zap"
)

type Kind string

const (
	KindSlotFound  Kind = "slot_found"
	KindBooked     Kind = "booked"
	KindOTPWaiting Kind = "otp_waiting"
	KindFailed     Kind = "failed"
)

type Message struct {
	Kind    Kind
	JobID   string
	Profile profile.Profile
	Booking *jobs.BookingRecord
	Reason  string
	At      time.Time
	// Link is where the user can act on the message.
	Link string
}

type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

var errNoRecipient = errors.New("notify: profile has no email")

// Subject and Body render m as plain text.
func Subject(m Message) string {
	switch m.Kind {
	case KindSlotFound:
		return "Appointment available: " + where(m)
	case KindBooked:
		return "Appointment booked: " + where(m)
	case KindOTPWaiting:
		return "Verification code needed to continue"
	case KindFailed:
		return "Appointment monitoring stopped"
	}
	return "Appointment monitor update"
}

func Body(m Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", m.Profile.FirstName)
	switch m.Kind {
	case KindSlotFound:
		b.WriteString("A slot matching your search is open. It is not booked yet.\n\n")
	case KindBooked:
		b.WriteString("Your appointment is reserved.\n\n")
	case KindOTPWaiting:
		b.WriteString("The portal sent a one-time passcode. Submit it so the next attempt can continue.\n\n")
	case KindFailed:
		b.WriteString("Monitoring has stopped and needs your attention.\n\n")
	}
	if r := m.Booking; r != nil {
		fmt.Fprintf(&b, "Location: %s\n", r.Location)
		fmt.Fprintf(&b, "Date: %s\n", r.Date.Format("Monday, January 2, 2006"))
		if r.Time != "" {
			fmt.Fprintf(&b, "Time: %s\n", r.Time)
		}
		if r.ConfirmationID != "" {
			fmt.Fprintf(&b, "Confirmation: %s\n", r.ConfirmationID)
		}
		b.WriteString("\n")
	}
	if m.Reason != "" {
		fmt.Fprintf(&b, "%s\n\n", m.Reason)
	}
	if m.Link != "" {
		fmt.Fprintf(&b, "%s\n\n", m.Link)
	}
	fmt.Fprintf(&b, "Job %s, %s\n", m.JobID, m.At.Format(time.RFC1123))
	return b.String()
}

func where(m Message) string {
	if m.Booking == nil {
		return "job " + m.JobID
	}
	r := m.Booking
	return jobs.Appointment{Location: r.Location, Date: r.Date, Time: r.Time}.String()
}

// Log writes messages to the process log. It is always part of the chain.
type Log struct {
	Logger *zap.Logger
}

func (l Log) String() string { return "log" }

func (l Log) Notify(ctx context.Context, m Message) error {
	fields := []zap.Field{zap.String("job_id", m.JobID), zap.String("kind", string(m.Kind))}
	if m.Booking != nil {
		fields = append(fields, zap.String("appointment", where(m)))
	}
	l.Logger.Info(Subject(m), fields...)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (ms Multi) Notify(ctx context.Context, m Message) error {
	var errs []error
	for _, n := range ms {
		err := n.Notify(ctx, m)
		metrics.IncreaseNotifications(name(n), err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name(n), err))
		}
	}
	return errors.Join(errs...)
}

func name(n Notifier) string {
	if s, ok := n.(fmt.Stringer); ok {
		return s.String()
	}
	return "custom"
}
