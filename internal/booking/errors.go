package booking

import (
	"errors"
	"fmt"

	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

// Error categories. Every error returned by the coordinator matches exactly
// one of these with errors.Is, or is an *eligibility.Violation.
var (
	ErrValidation       = errors.New("validation error")
	ErrCapacityConflict = errors.New("capacity conflict")
	ErrPersistence      = errors.New("persistence error")
)

const (
	CodeMissingDonorContext   = "MISSING_DONOR_CONTEXT"
	CodeUnknownSlot           = "UNKNOWN_SLOT"
	CodeUnknownCenter         = "UNKNOWN_CENTER"
	CodeUnknownDonor          = "UNKNOWN_DONOR"
	CodeUnknownDonationType   = "UNKNOWN_DONATION_TYPE"
	CodeDonationTypeMismatch  = "DONATION_TYPE_MISMATCH"
	CodeSlotInPast            = "SLOT_IN_PAST"
	CodeUnknownAppointment    = "UNKNOWN_APPOINTMENT"
	CodeAlreadyReleased       = "ALREADY_RELEASED"
	CodeSlotFull              = "SLOT_FULL"
	CodeSlotTaken             = "SLOT_TAKEN"
	CodeReleaseConflict       = "RELEASE_CONFLICT"
	CodePersistence           = "PERSISTENCE_ERROR"
	CodeInternal              = "INTERNAL"
	genericPersistenceMessage = "we could not complete your request right now, please try again in a moment"
)

// Error is a coded failure. Kind is one of the category sentinels above.
// Two *Error values with the same Code match under errors.Is, so callers can
// test against the named errors below even when a cause has been attached.
type Error struct {
	Kind    error
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) with(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

var (
	ErrMissingDonorContext  = &Error{Kind: ErrValidation, Code: CodeMissingDonorContext, Message: "a donor context is required"}
	ErrUnknownSlot          = &Error{Kind: ErrValidation, Code: CodeUnknownSlot, Message: "the requested slot does not exist"}
	ErrUnknownCenter        = &Error{Kind: ErrValidation, Code: CodeUnknownCenter, Message: "the donation center does not exist"}
	ErrUnknownDonor         = &Error{Kind: ErrValidation, Code: CodeUnknownDonor, Message: "the donor is not registered"}
	ErrInvalidDonationType  = &Error{Kind: ErrValidation, Code: CodeUnknownDonationType, Message: "unsupported donation type"}
	ErrDonationTypeMismatch = &Error{Kind: ErrValidation, Code: CodeDonationTypeMismatch, Message: "the slot is not offered for this donation type"}
	ErrSlotInPast           = &Error{Kind: ErrValidation, Code: CodeSlotInPast, Message: "the slot has already started"}
	ErrUnknownAppointment   = &Error{Kind: ErrValidation, Code: CodeUnknownAppointment, Message: "the appointment does not exist"}
	ErrAlreadyReleased      = &Error{Kind: ErrValidation, Code: CodeAlreadyReleased, Message: "the appointment has already been cancelled"}

	ErrSlotFull        = &Error{Kind: ErrCapacityConflict, Code: CodeSlotFull, Message: "this slot is now full, please choose another time"}
	ErrSlotTaken       = &Error{Kind: ErrCapacityConflict, Code: CodeSlotTaken, Message: "this slot was just booked by someone else, please choose another time"}
	ErrReleaseConflict = &Error{Kind: ErrCapacityConflict, Code: CodeReleaseConflict, Message: "the slot is busy, please retry the cancellation"}
)

func persistenceError(op string, cause error) *Error {
	return &Error{Kind: ErrPersistence, Code: CodePersistence, Message: op, Cause: cause}
}

// WrapPersistence classifies a storage failure for packages that read through
// the booking ports.
func WrapPersistence(op string, cause error) error {
	return persistenceError(op, cause)
}

// ErrorCode returns the stable code carried by err, or CodeInternal.
func ErrorCode(err error) string {
	var v *eligibility.Violation
	if errors.As(err, &v) {
		return string(v.Code)
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, eligibility.ErrUnknownDonationType) {
		return CodeUnknownDonationType
	}
	return CodeInternal
}

// PublicMessage is the text shown to the donor. Only persistence and
// unclassified failures are reduced to a generic message.
func PublicMessage(err error) string {
	var v *eligibility.Violation
	if errors.As(err, &v) {
		return v.Message
	}
	var e *Error
	if errors.As(err, &e) && !errors.Is(e.Kind, ErrPersistence) {
		return e.Message
	}
	return genericPersistenceMessage
}

// IsRetryable reports whether repeating the same call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCapacityConflict) || errors.Is(err, ErrPersistence)
}
