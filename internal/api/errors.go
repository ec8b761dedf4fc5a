package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeDomainError renders a coordinator or catalog error. Storage details
// never reach the client; they are logged with the request id instead.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: request_id=%s path=%s err=%v", GetRequestID(r.Context()), r.URL.Path, err)
	}
	writeError(w, status, booking.ErrorCode(err), booking.PublicMessage(err))
}

func statusFor(err error) int {
	var v *eligibility.Violation
	switch {
	case errors.As(err, &v):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrMissingDonorContext):
		return http.StatusUnauthorized
	case errors.Is(err, booking.ErrUnknownSlot),
		errors.Is(err, booking.ErrUnknownCenter),
		errors.Is(err, booking.ErrUnknownDonor),
		errors.Is(err, booking.ErrUnknownAppointment):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrAlreadyReleased):
		return http.StatusConflict
	case errors.Is(err, booking.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrCapacityConflict):
		return http.StatusConflict
	case errors.Is(err, booking.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
