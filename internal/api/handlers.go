package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/availability"
	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

// Reservations is the part of booking.Coordinator the HTTP layer drives.
type Reservations interface {
	Reserve(ctx context.Context, donor booking.DonorContext, slotID uuid.UUID, t booking.DonationType) (*booking.ReservationResult, error)
	CheckEligibility(ctx context.Context, donor booking.DonorContext, proposed time.Time, t booking.DonationType) (eligibility.Result, error)
	Release(ctx context.Context, appointmentID uuid.UUID) (*booking.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	ListAppointments(ctx context.Context, donor booking.DonorContext, status *booking.AppointmentStatus) ([]booking.Appointment, error)
}

type AvailabilityLister interface {
	ListAvailability(ctx context.Context, centerID uuid.UUID, t booking.DonationType) (*availability.Availability, error)
}

type handlers struct {
	reservations Reservations
	availability AvailabilityLister
	loc          *time.Location
}

func (h *handlers) listAvailability(w http.ResponseWriter, r *http.Request) {
	centerID, err := uuid.Parse(chi.URLParam(r, "centerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CENTER_ID", "centerID must be a valid UUID")
		return
	}
	t, err := eligibility.ParseDonationType(r.URL.Query().Get("type"))
	if err != nil {
		writeDomainError(w, r, booking.ErrInvalidDonationType)
		return
	}

	av, err := h.availability.ListAvailability(r.Context(), centerID, t)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	days := av.Days
	if days == nil {
		days = []availability.DayBucket{}
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		CenterID:     av.Center.ID,
		CenterName:   av.Center.Name,
		DonationType: string(av.DonationType),
		Days:         days,
	})
}

func (h *handlers) createReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "could not parse JSON")
		return
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SLOT_ID", "slot_id must be a valid UUID")
		return
	}

	res, err := h.reservations.Reserve(r.Context(), DonorFromContext(r.Context()), slotID, booking.DonationType(req.DonationType))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Outcome != booking.OutcomeConfirmed {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, ReservationResponse{
		Outcome:      string(res.Outcome),
		Appointment:  toAppointmentResponse(res.Appointment),
		ErrorCode:    res.ErrorCode,
		ErrorMessage: res.ErrorMessage,
		Retryable:    res.Err != nil && booking.IsRetryable(res.Err),
		Eligibility:  toEligibilityResponse(res.Eligibility),
	})
}

func (h *handlers) checkEligibility(w http.ResponseWriter, r *http.Request) {
	var req EligibilityCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "could not parse JSON")
		return
	}
	proposed, err := h.parseDate(req.ProposedDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PROPOSED_DATE", "proposed_date must be YYYY-MM-DD or RFC 3339")
		return
	}

	res, err := h.reservations.CheckEligibility(r.Context(), DonorFromContext(r.Context()), proposed, booking.DonationType(req.DonationType))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityResponse(&res))
}

func (h *handlers) parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, h.loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	var status *booking.AppointmentStatus
	switch s := booking.AppointmentStatus(r.URL.Query().Get("status")); s {
	case "":
	case booking.StatusScheduled, booking.StatusCancelled:
		status = &s
	default:
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "status must be scheduled or cancelled")
		return
	}

	appts, err := h.reservations.ListAppointments(r.Context(), DonorFromContext(r.Context()), status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := make([]*AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) releaseAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}

	released, err := h.reservations.Release(r.Context(), appt.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(released))
}

// ownedAppointment loads the {id} appointment and hides it from every donor
// but its owner.
func (h *handlers) ownedAppointment(w http.ResponseWriter, r *http.Request) (*booking.Appointment, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_APPOINTMENT_ID", "id must be a valid UUID")
		return nil, false
	}

	appt, err := h.reservations.GetAppointment(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return nil, false
	}
	if appt.DonorID != DonorFromContext(r.Context()).DonorID {
		writeDomainError(w, r, booking.ErrUnknownAppointment)
		return nil, false
	}
	return appt, true
}
