package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/example/appt-scheduler/internal/profile"
)

type Code struct {
	Value  string    `json:"value"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}

type Query struct {
	JobID   string
	Mailbox profile.Mailbox
	// Since excludes codes that arrived at or before this instant.
	Since time.Time
	// WaitingSince, when earlier than Since, is the cutoff for codes a
	// person typed in. A job left waiting on verification sets it so a code
	// entered between attempts reaches the next one.
	WaitingSince time.Time
}

// Admits reports whether c is recent enough for q.
func (q Query) Admits(c Code) bool {
	since := q.Since
	if c.Source == SourceManual && !q.WaitingSince.IsZero() && q.WaitingSince.Before(since) {
		since = q.WaitingSince
	}
	return c.At.After(since)
}

// CodeSource returns the newest code for q, or ok=false when there is none.
type CodeSource interface {
	LatestCode(ctx context.Context, q Query) (code Code, ok bool, err error)
}

// Chain asks each source in turn and returns the first code found.
type Chain []CodeSource

func (c Chain) LatestCode(ctx context.Context, q Query) (Code, bool, error) {
	var errs []error
	for _, s := range c {
		code, ok, err := s.LatestCode(ctx, q)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return code, true, nil
		}
	}
	return Code{}, false, errors.Join(errs...)
}

const SourceManual = "manual"

var manualCode = regexp.MustCompile(`^\d{4,8}$`)

// ManualCodes holds codes a person typed in for a job. A code is handed out
// once.
type ManualCodes struct {
	mu    sync.Mutex
	codes map[string]Code
	now   func() time.Time
}

var _ CodeSource = (*ManualCodes)(nil)

func NewManualCodes(now func() time.Time) *ManualCodes {
	if now == nil {
		now = time.Now
	}
	return &ManualCodes{codes: map[string]Code{}, now: now}
}

func (m *ManualCodes) Submit(jobID, code string) error {
	code = strings.TrimSpace(code)
	if !manualCode.MatchString(code) {
		return fmt.Errorf("verification code must be 4 to 8 digits")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[jobID] = Code{Value: code, At: m.now(), Source: SourceManual}
	return nil
}

func (m *ManualCodes) LatestCode(_ context.Context, q Query) (Code, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[q.JobID]
	if !ok {
		return Code{}, false, nil
	}
	delete(m.codes, q.JobID)
	if !q.Admits(c) {
		return Code{}, false, nil
	}
	return c, true, nil
}

// Forget drops any pending code, used when a job ends.
func (m *ManualCodes) Forget(jobID string) {
	m.mu.Lock()
	delete(m.codes, jobID)
	m.mu.Unlock()
}
