package sponsorship

import (
	"errors"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

// Failure kinds. Result.Err wraps exactly one of these.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSystem            = errors.New("system error")
)

const (
	MsgSystemError         = "A system error occurred. Please try again."
	MsgChildNotFound       = "Child not found."
	MsgSponsorNotFound     = "Sponsorship not found."
	MsgLostRace            = "Sorry, this child was just selected by another sponsor. Please choose a different child."
	MsgSelected            = "This child has already been selected by another sponsor and is awaiting confirmation."
	MsgSponsored           = "This child has already been sponsored."
	MsgInactive            = "This child is not currently available for sponsorship."
	MsgFixFields           = "Please correct the highlighted fields and try again."
	MsgReservationGone     = "Your hold on this child has expired. Please choose the child again."
	MsgAlreadyCancelled    = "This sponsorship is already cancelled."
	MsgChanged             = "This sponsorship was just changed by another request. Please reload and try again."
	MsgCompletedKeepsChild = "This child's sponsorship is completed; the child cannot be released."
)

// Availability is what CheckAvailability reports.
type Availability struct {
	Available bool          `json:"available"`
	Reason    string        `json:"reason,omitempty"`
	Child     *models.Child `json:"child,omitempty"`
}

// Result is returned by every state-changing operation. Operations never
// return a Go error past their boundary; the failure kind is in Err.
type Result struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Err           error         `json:"-"`
	Problems      []string      `json:"errors,omitempty"`
	Child         *models.Child `json:"child,omitempty"`
	SponsorshipID int64         `json:"sponsorship_id,omitempty"`
}

// opError carries a user-facing message out of a transaction callback.
type opError struct {
	kind error
	msg  string
}

func (e *opError) Error() string { return e.msg }
func (e *opError) Unwrap() error { return e.kind }

func fail(kind error, msg string) error {
	return &opError{kind: kind, msg: msg}
}

func failed(err error) Result {
	var oe *opError
	if errors.As(err, &oe) {
		return Result{Message: oe.msg, Err: oe}
	}
	return Result{Message: MsgSystemError, Err: ErrSystem}
}

// outcome is the metrics label for a result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	}
	return "system"
}

// unavailableReason explains a non-available status to a visitor.
func unavailableReason(st models.ChildStatus) string {
	switch st {
	case models.ChildPending:
		return MsgSelected
	case models.ChildConfirmed, models.ChildLogged, models.ChildCompleted:
		return MsgSponsored
	}
	return MsgInactive
}
