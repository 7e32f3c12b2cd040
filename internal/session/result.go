package session

import (
	"errors"
	"fmt"
)

type Outcome string

const (
	OutcomeNoSlot               Outcome = "no_slot"
	OutcomeSlotFound            Outcome = "slot_found"
	OutcomeBooked               Outcome = "booked"
	OutcomeVerificationRequired Outcome = "verification_required"
	OutcomeTransientError       Outcome = "transient_error"
	OutcomeFatalError           Outcome = "fatal_error"
	OutcomeCancelled            Outcome = "cancelled"
)

// Class says how an error outcome should be treated by the caller.
type Class string

const (
	ClassTransient  Class = "transient"
	ClassStructural Class = "structural"
	ClassFatalInput Class = "fatal_input"
)

type ErrorKind string

const (
	KindTimeout    ErrorKind = "stage_timeout"
	KindMismatch   ErrorKind = "signature_mismatch"
	KindPage       ErrorKind = "page"
	KindRejected   ErrorKind = "input_rejected"
	KindUnexpected ErrorKind = "unexpected"
)

type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// countsAgainstStage reports whether the error says the stage's signature
// could not be found, which is what escalates to structural.
func (e *StageError) countsAgainstStage() bool {
	return e.Kind == KindTimeout || e.Kind == KindMismatch || e.Kind == KindUnexpected
}

var (
	errCancelled            = errors.New("attempt cancelled")
	errVerificationRequired = errors.New("verification code not received")
)

// Result is what one attempt produced.
type Result struct {
	Outcome      Outcome
	Class        Class
	Slot         *Slot
	Confirmation string
	Err          error
	// Stage is where the attempt ended.
	Stage Stage
	// Passed lists stages whose signature was matched during the attempt.
	Passed []Stage
	// StageFailures is the updated consecutive-miss count for Stage when the
	// attempt failed on a signature.
	StageFailures int
	Artifacts     []string
	Note          string
}

func (r Result) IsError() bool {
	return r.Outcome == OutcomeTransientError || r.Outcome == OutcomeFatalError
}
