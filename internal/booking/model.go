package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

type DonationType = eligibility.DonationType

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCancelled AppointmentStatus = "cancelled"
)

// DonorContext identifies the donor on whose behalf a call is made.
// It is always passed explicitly and never read from ambient state.
type DonorContext struct {
	DonorID   uuid.UUID
	TenantID  string
	RequestID string
}

func (d DonorContext) Validate() error {
	if d.DonorID == uuid.Nil {
		return ErrMissingDonorContext
	}
	return nil
}

type Center struct {
	ID        uuid.UUID
	Name      string
	Address   string
	City      string
	Latitude  float64
	Longitude float64
	Timezone  string
	CreatedAt time.Time
}

// Slot is a versioned, capacity-bounded donation opportunity.
// Version increments on every successful conditional write and
// LastAppointmentID records which appointment produced that write.
type Slot struct {
	ID                uuid.UUID
	CenterID          uuid.UUID
	StartAt           time.Time
	DonationType      DonationType
	Capacity          int
	CurrentBookings   int
	Version           int64
	LastAppointmentID *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *Slot) SpotsLeft() int {
	return s.Capacity - s.CurrentBookings
}

func (s *Slot) IsFull() bool {
	return s.CurrentBookings >= s.Capacity
}

type Appointment struct {
	ID               uuid.UUID
	DonorID          uuid.UUID
	SlotID           uuid.UUID
	CenterID         uuid.UUID
	DonationType     DonationType
	StartAt          time.Time
	Status           AppointmentStatus
	CapacityReleased bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DonorProfile is the donation history summary for one donation type.
type DonorProfile struct {
	DonorID                    uuid.UUID
	DonationType               DonationType
	LastDonationDate           *time.Time
	DonationsCompletedThisYear int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// SlotQuery selects slots. A nil CenterID matches every center and an
// empty DonationType matches every type.
type SlotQuery struct {
	CenterID     uuid.UUID
	DonationType DonationType
	From         time.Time
	To           time.Time
	OnlyOpen     bool
	Limit        uint64
}

type AppointmentFilter struct {
	DonorID      uuid.UUID
	DonationType *DonationType
	Status       *AppointmentStatus
	From         *time.Time
	To           *time.Time
}
