// Package profile holds the identity and preferences used to fill the
// portal's forms. Profiles are immutable; edits create a new version.
package profile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/classify"
)

type SlotPriority string

const (
	PriorityAny      SlotPriority = "any"
	PrioritySameDay  SlotPriority = "same_day"
	PriorityNextDay  SlotPriority = "next_day"
	PriorityThisWeek SlotPriority = "this_week"
)

func ParsePriority(s string) (SlotPriority, error) {
	switch p := SlotPriority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityAny, nil
	case PriorityAny, PrioritySameDay, PriorityNextDay, PriorityThisWeek:
		return p, nil
	default:
		return "", fmt.Errorf("unknown slot priority %q", s)
	}
}

// Mailbox is where verification codes arrive. Optional.
type Mailbox struct {
	User     string `json:"user,omitempty"`
	Password string `json:"-"`
}

func (m Mailbox) Configured() bool { return m.User != "" && m.Password != "" }

type Profile struct {
	ID         string `json:"id"`
	PreviousID string `json:"previous_id,omitempty"`
	Version    int    `json:"version"`

	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	DOB       time.Time `json:"dob"`
	Last4     string    `json:"last4"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`

	PostalCode         string       `json:"postal_code"`
	LocationPreference string       `json:"location_preference,omitempty"`
	MaxDistanceMiles   int          `json:"max_distance_miles"`
	SlotPriority       SlotPriority `json:"slot_priority"`

	Flags   classify.Flags `json:"flags"`
	Mailbox Mailbox        `json:"mailbox"`

	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound = errors.New("profile not found")

	digits4 = regexp.MustCompile(`^\d{4}$`)
	zip5    = regexp.MustCompile(`^\d{5}$`)
)

func (p Profile) Validate() error {
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("first and last name required")
	}
	if p.DOB.IsZero() {
		return fmt.Errorf("date of birth required")
	}
	if !digits4.MatchString(p.Last4) {
		return fmt.Errorf("last4 must be exactly 4 digits")
	}
	if len(Digits(p.Phone)) < 10 {
		return fmt.Errorf("phone must have at least 10 digits")
	}
	if !strings.Contains(p.Email, "@") {
		return fmt.Errorf("valid email required")
	}
	if !zip5.MatchString(p.PostalCode) {
		return fmt.Errorf("postal code must be 5 digits")
	}
	if p.MaxDistanceMiles < 0 {
		return fmt.Errorf("max distance must be >= 0")
	}
	if _, err := ParsePriority(string(p.SlotPriority)); err != nil {
		return err
	}
	return nil
}

// Age in whole years at now.
func (p Profile) Age(now time.Time) int {
	if p.DOB.IsZero() {
		return 0
	}
	age := now.Year() - p.DOB.Year()
	if now.Month() < p.DOB.Month() || (now.Month() == p.DOB.Month() && now.Day() < p.DOB.Day()) {
		age--
	}
	return age
}

// ClassifierFlags returns the stored flags, forcing NeedsPermit for minors.
func (p Profile) ClassifierFlags(now time.Time) classify.Flags {
	f := p.Flags
	if !p.DOB.IsZero() && p.Age(now) < 18 {
		f.NeedsPermit = true
	}
	return f
}

// Revise starts a new version derived from p. The caller edits the copy
// and stores it with Create.
func (p Profile) Revise() Profile {
	next := p
	next.ID = ""
	next.PreviousID = p.ID
	next.Version = p.Version + 1
	next.CreatedAt = time.Time{}
	return next
}

// Digits strips everything that is not 0-9.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type Store interface {
	Create(ctx context.Context, p Profile) (Profile, error)
	Get(ctx context.Context, id string) (Profile, error)
}
