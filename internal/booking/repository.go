package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDonorNotFound       = errors.New("donor not found")
	ErrCenterNotFound      = errors.New("donation center not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// SlotStore is the only writer of slot capacity. CompareAndSwap sets
// CurrentBookings to newBookings and bumps Version only if the stored
// Version still equals expectedVersion and 0 <= newBookings <= Capacity.
// It reports false when the predicate did not match.
type SlotStore interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, q SlotQuery) ([]Slot, error)
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBookings int, appointmentID uuid.UUID) (bool, error)
}

type AppointmentStore interface {
	InsertAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)

	// ClaimRelease moves a scheduled, unreleased appointment to cancelled and
	// capacity-released in one conditional write. It returns
	// ErrAppointmentNotFound when no such appointment exists.
	ClaimRelease(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// RevertRelease undoes a claim whose slot decrement could not be applied.
	RevertRelease(ctx context.Context, id uuid.UUID) error

	// For the capacity audit
	CountActiveBySlot(ctx context.Context, slotIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

type DonorStore interface {
	// GetProfile summarizes completed donations of type t; the completed
	// count covers [yearStart, yearEnd).
	GetProfile(ctx context.Context, donorID uuid.UUID, t DonationType, yearStart, yearEnd time.Time) (*DonorProfile, error)
}

type CenterStore interface {
	GetCenter(ctx context.Context, id uuid.UUID) (*Center, error)
}

type EventStore interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all relational interactions needed by the coordinator.
type Repository interface {
	AppointmentStore
	DonorStore
	EventStore
}
