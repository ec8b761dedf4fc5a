package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/availability"
	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

type CreateReservationRequest struct {
	SlotID       string `json:"slot_id"`
	DonationType string `json:"donation_type"`
}

type EligibilityCheckRequest struct {
	// YYYY-MM-DD in the service timezone, or RFC 3339.
	ProposedDate string `json:"proposed_date"`
	DonationType string `json:"donation_type"`
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	SlotID           uuid.UUID `json:"slot_id"`
	CenterID         uuid.UUID `json:"center_id"`
	DonationType     string    `json:"donation_type"`
	StartAt          time.Time `json:"start_at"`
	Status           string    `json:"status"`
	CapacityReleased bool      `json:"capacity_released"`
	CreatedAt        time.Time `json:"created_at"`
}

type ViolationResponse struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	DaysRemaining    int    `json:"days_remaining,omitempty"`
	NextEligibleDate string `json:"next_eligible_date,omitempty"`
	NextEligibleYear int    `json:"next_eligible_year,omitempty"`
}

type EligibilityResponse struct {
	Eligible      bool               `json:"eligible"`
	DonationType  string             `json:"donation_type"`
	DaysSinceLast *int               `json:"days_since_last"`
	Violation     *ViolationResponse `json:"violation,omitempty"`
}

type ReservationResponse struct {
	Outcome      string               `json:"outcome"`
	Appointment  *AppointmentResponse `json:"appointment,omitempty"`
	ErrorCode    string               `json:"error_code,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Retryable    bool                 `json:"retryable,omitempty"`
	Eligibility  *EligibilityResponse `json:"eligibility,omitempty"`
}

type AvailabilityResponse struct {
	CenterID     uuid.UUID                `json:"center_id"`
	CenterName   string                   `json:"center_name"`
	DonationType string                   `json:"donation_type"`
	Days         []availability.DayBucket `json:"days"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:               a.ID,
		SlotID:           a.SlotID,
		CenterID:         a.CenterID,
		DonationType:     string(a.DonationType),
		StartAt:          a.StartAt,
		Status:           string(a.Status),
		CapacityReleased: a.CapacityReleased,
		CreatedAt:        a.CreatedAt,
	}
}

func toEligibilityResponse(r *eligibility.Result) *EligibilityResponse {
	if r == nil {
		return nil
	}
	resp := &EligibilityResponse{
		Eligible:      r.Eligible,
		DonationType:  string(r.DonationType),
		DaysSinceLast: r.DaysSinceLast,
	}
	if v := r.Violation; v != nil {
		resp.Violation = &ViolationResponse{
			Code:             string(v.Code),
			Message:          v.Message,
			DaysRemaining:    v.DaysRemaining,
			NextEligibleYear: v.NextEligibleYear,
		}
		if !v.NextEligibleDate.IsZero() {
			resp.Violation.NextEligibleDate = v.NextEligibleDate.Format("2006-01-02")
		}
	}
	return resp
}
