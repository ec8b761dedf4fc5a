package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/config"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

const (
	EventReservationConfirmed  = "RESERVATION_CONFIRMED"
	EventReservationRejected   = "RESERVATION_REJECTED"
	EventReservationRolledBack = "RESERVATION_ROLLED_BACK"
	EventCompensationFailed    = "COMPENSATION_FAILED"
	EventCapacityReleased      = "CAPACITY_RELEASED"
	EventReleaseReverted       = "RELEASE_REVERTED"
)

const defaultReservationTimeout = 5 * time.Second

// Recorder receives coordinator outcomes. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	ObserveReservation(outcome Outcome, code string, elapsed time.Duration)
	ObserveRelease(result string)
	CompensationFailed(op string)
	CapacityDrift(slots int)
}

type NopRecorder struct{}

func (NopRecorder) ObserveReservation(Outcome, string, time.Duration) {}
func (NopRecorder) ObserveRelease(string)                            {}
func (NopRecorder) CompensationFailed(string)                        {}
func (NopRecorder) CapacityDrift(int)                                {}

// ReservationResult is the resolved state of one Reserve call.
type ReservationResult struct {
	Outcome      Outcome
	Appointment  *Appointment
	ErrorCode    string
	ErrorMessage string
	Eligibility  *eligibility.Result
	Trace        []State
	// Err is the typed failure behind a REJECTED or ROLLED_BACK outcome.
	Err error
}

type Coordinator struct {
	repo      Repository
	slots     SlotStore
	evaluator *eligibility.Evaluator
	rec       Recorder

	timeout         time.Duration
	releaseAttempts int
	loc             *time.Location
	now             func() time.Time
}

func NewCoordinator(repo Repository, slots SlotStore, evaluator *eligibility.Evaluator, rec Recorder, cfg config.Config) *Coordinator {
	if rec == nil {
		rec = NopRecorder{}
	}
	timeout := cfg.Reservation.Timeout
	if timeout <= 0 {
		timeout = defaultReservationTimeout
	}
	attempts := cfg.Reservation.ReleaseMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Coordinator{
		repo:            repo,
		slots:           slots,
		evaluator:       evaluator,
		rec:             rec,
		timeout:         timeout,
		releaseAttempts: attempts,
		loc:             cfg.Location(),
		now:             time.Now,
	}
}

// Reserve books one place in a slot for the donor.
//
// Input problems (missing donor, unknown slot, wrong type, past slot) and
// storage failures before the attempt starts are returned as errors. Once
// the attempt starts the call always yields a result; REJECTED and
// ROLLED_BACK carry their typed failure in ReservationResult.Err.
//
// Everything after the tentative appointment insert runs detached from the
// caller's cancellation and is bounded by the reservation timeout.
func (c *Coordinator) Reserve(ctx context.Context, donor DonorContext, slotID uuid.UUID, t DonationType) (*ReservationResult, error) {
	started := time.Now()

	if err := donor.Validate(); err != nil {
		return nil, err
	}
	if slotID == uuid.Nil {
		return nil, ErrUnknownSlot
	}
	if _, err := eligibility.ParseDonationType(string(t)); err != nil {
		return nil, ErrInvalidDonationType.with(err)
	}

	slot, err := c.slots.GetSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrUnknownSlot
		}
		return nil, persistenceError("load slot", err)
	}
	if slot.DonationType != t {
		return nil, ErrDonationTypeMismatch
	}
	if !slot.StartAt.After(c.now()) {
		return nil, ErrSlotInPast
	}

	elig, err := c.evaluate(ctx, donor.DonorID, slot.StartAt, t)
	if err != nil {
		return nil, err
	}

	att := newAttempt()
	att.advance(StateEligibilityChecked)

	var (
		appt      *Appointment
		failure   error
		committed bool
	)
	switch {
	case !elig.Eligible:
		att.advance(StateRejected)
		failure = elig.Violation
	case slot.IsFull():
		att.advance(StateRejected)
		failure = ErrSlotFull
	default:
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		appt, failure = c.commit(commitCtx, att, donor, slot)
		cancel()
		committed = true
	}

	res := &ReservationResult{
		Outcome:     att.outcome(),
		Appointment: appt,
		Eligibility: &elig,
		Trace:       att.trace,
		Err:         failure,
	}
	if failure != nil {
		res.ErrorCode = ErrorCode(failure)
		res.ErrorMessage = PublicMessage(failure)
	}

	c.rec.ObserveReservation(res.Outcome, res.ErrorCode, time.Since(started))
	log.Printf("reserve: donor=%s slot=%s type=%s outcome=%s code=%s request_id=%s",
		donor.DonorID, slotID, t, res.Outcome, res.ErrorCode, donor.RequestID)

	if !committed {
		c.logEvent(ctx, nil, EventReservationRejected, map[string]any{
			"donor_id": donor.DonorID.String(),
			"slot_id":  slotID.String(),
			"code":     res.ErrorCode,
		})
	}

	return res, nil
}

// commit runs the tentative insert, slot re-read and conditional write.
// On return att is CONFIRMED or ROLLED_BACK.
func (c *Coordinator) commit(ctx context.Context, att *attempt, donor DonorContext, slot *Slot) (*Appointment, error) {
	tentative := &Appointment{
		ID:           uuid.New(),
		DonorID:      donor.DonorID,
		SlotID:       slot.ID,
		CenterID:     slot.CenterID,
		DonationType: slot.DonationType,
		StartAt:      slot.StartAt,
		Status:       StatusScheduled,
	}

	att.advance(StateSlotReserved)

	rollback := func(reason string, failure error) (*Appointment, error) {
		c.compensate(ctx, tentative.ID, reason)
		att.advance(StateRolledBack)
		return nil, failure
	}

	appt, err := c.repo.InsertAppointment(ctx, tentative)
	if err != nil {
		// the insert may have landed before the error surfaced
		return rollback("insert_failed", persistenceError("insert appointment", err))
	}

	// A concurrent reservation by the same donor for another slot passed the
	// first check too. Whichever re-evaluates second sees the other row.
	recheck, err := c.evaluateExcluding(ctx, donor.DonorID, slot.StartAt, slot.DonationType, appt.ID)
	if err != nil {
		return rollback("recheck_failed", err)
	}
	if !recheck.Eligible {
		return rollback("eligibility_changed", recheck.Violation)
	}

	current, err := c.slots.GetSlot(ctx, slot.ID)
	if err != nil {
		return rollback("reload_failed", persistenceError("reload slot", err))
	}

	next := current.CurrentBookings + 1
	if next > current.Capacity {
		return rollback("slot_full", ErrSlotFull)
	}

	swapped, err := c.slots.CompareAndSwap(ctx, slot.ID, current.Version, next, appt.ID)
	if err != nil {
		if c.landed(ctx, slot.ID, appt.ID, current.Version) {
			log.Printf("reserve: reconciled ambiguous slot write as applied slot=%s appointment=%s err=%v", slot.ID, appt.ID, err)
			return c.confirm(ctx, att, appt, next)
		}
		return rollback("write_unknown", persistenceError("update slot", err))
	}
	if !swapped {
		return rollback("slot_taken", ErrSlotTaken)
	}

	return c.confirm(ctx, att, appt, next)
}

func (c *Coordinator) confirm(ctx context.Context, att *attempt, appt *Appointment, bookings int) (*Appointment, error) {
	att.advance(StateConfirmed)
	c.logEvent(ctx, &appt.ID, EventReservationConfirmed, map[string]any{
		"slot_id":          appt.SlotID.String(),
		"donor_id":         appt.DonorID.String(),
		"current_bookings": bookings,
	})
	return appt, nil
}

// landed re-reads the slot after an ambiguous write. Only a slot that moved
// past expectedVersion with its last write attributed to appointmentID counts
// as applied; anything else is treated as not applied.
func (c *Coordinator) landed(ctx context.Context, slotID, appointmentID uuid.UUID, expectedVersion int64) bool {
	rctx, cancel := c.cleanupContext(ctx)
	defer cancel()

	slot, err := c.slots.GetSlot(rctx, slotID)
	if err != nil {
		log.Printf("reconcile: reload slot failed slot=%s appointment=%s err=%v", slotID, appointmentID, err)
		return false
	}
	return slot.Version > expectedVersion &&
		slot.LastAppointmentID != nil && *slot.LastAppointmentID == appointmentID
}

// compensate deletes the tentative appointment. It gets its own deadline so
// that a timed-out commit phase can still clean up.
func (c *Coordinator) compensate(ctx context.Context, appointmentID uuid.UUID, reason string) {
	cctx, cancel := c.cleanupContext(ctx)
	defer cancel()

	err := c.repo.DeleteAppointment(cctx, appointmentID)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		log.Printf("reserve: compensating delete failed appointment=%s reason=%s err=%v", appointmentID, reason, err)
		c.rec.CompensationFailed("reserve")
		c.logEvent(cctx, &appointmentID, EventCompensationFailed, map[string]any{
			"reason": reason,
			"error":  err.Error(),
		})
		return
	}

	c.logEvent(cctx, &appointmentID, EventReservationRolledBack, map[string]any{
		"reason": reason,
	})
}

func (c *Coordinator) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// CheckEligibility is the standalone pre-flight used before Reserve.
func (c *Coordinator) CheckEligibility(ctx context.Context, donor DonorContext, proposed time.Time, t DonationType) (eligibility.Result, error) {
	if err := donor.Validate(); err != nil {
		return eligibility.Result{}, err
	}
	if _, err := eligibility.ParseDonationType(string(t)); err != nil {
		return eligibility.Result{}, ErrInvalidDonationType.with(err)
	}
	return c.evaluate(ctx, donor.DonorID, proposed, t)
}

func (c *Coordinator) evaluate(ctx context.Context, donorID uuid.UUID, proposed time.Time, t DonationType) (eligibility.Result, error) {
	return c.evaluateExcluding(ctx, donorID, proposed, t, uuid.Nil)
}

// evaluateExcluding loads the donor's history and scheduled appointments and
// runs the rules, leaving out the appointment skip.
//
// Completed donations and scheduled appointments of the same type in the
// calendar year of proposed count towards the annual cap. The interval is
// measured from the latest of them on or before proposed. A scheduled
// appointment after proposed that is closer than the minimum interval
// becomes the reference instead, whatever its year.
func (c *Coordinator) evaluateExcluding(ctx context.Context, donorID uuid.UUID, proposed time.Time, t DonationType, skip uuid.UUID) (eligibility.Result, error) {
	proposed = proposed.In(c.loc)
	yearStart := time.Date(proposed.Year(), time.January, 1, 0, 0, 0, 0, c.loc)
	yearEnd := yearStart.AddDate(1, 0, 0)

	profile, err := c.repo.GetProfile(ctx, donorID, t, yearStart, yearEnd)
	if err != nil {
		if errors.Is(err, ErrDonorNotFound) {
			return eligibility.Result{}, ErrUnknownDonor
		}
		return eligibility.Result{}, persistenceError("load donor profile", err)
	}

	scheduled := StatusScheduled
	booked, err := c.repo.ListAppointments(ctx, AppointmentFilter{
		DonorID:      donorID,
		DonationType: &t,
		Status:       &scheduled,
	})
	if err != nil {
		return eligibility.Result{}, persistenceError("list scheduled appointments", err)
	}

	now := c.now()
	inYear := 0
	prior := profile.LastDonationDate
	var following *time.Time
	for i := range booked {
		if booked[i].ID == skip {
			continue
		}
		start := booked[i].StartAt.In(c.loc)
		if !start.Before(now) && !start.Before(yearStart) && start.Before(yearEnd) {
			inYear++
		}
		if start.After(proposed) {
			if following == nil || start.Before(*following) {
				following = &start
			}
			continue
		}
		if prior == nil || start.After(*prior) {
			prior = &start
		}
	}

	ref := prior
	if following != nil {
		if rule, ok := c.evaluator.Rules().Types[t]; ok && eligibility.DaysBetween(proposed, *following) < rule.MinIntervalDays {
			ref = following
		}
	}

	res, err := c.evaluator.Evaluate(ref, profile.DonationsCompletedThisYear+inYear, proposed, t)
	if err != nil {
		return eligibility.Result{}, ErrInvalidDonationType.with(err)
	}
	return res, nil
}

// Release cancels an appointment and returns its place to the slot.
// The appointment is claimed first so that concurrent releases of the same
// appointment decrement the slot at most once. If the decrement keeps losing
// races the claim is reverted and ErrReleaseConflict is returned.
func (c *Coordinator) Release(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	if appointmentID == uuid.Nil {
		return nil, ErrUnknownAppointment
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	appt, err := c.repo.ClaimRelease(ctx, appointmentID)
	if err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			c.rec.ObserveRelease("error")
			return nil, persistenceError("claim appointment", err)
		}
		return nil, c.explainUnclaimable(ctx, appointmentID)
	}

	for i := 0; i < c.releaseAttempts; i++ {
		slot, err := c.slots.GetSlot(ctx, appt.SlotID)
		if err != nil {
			c.revertRelease(ctx, appt.ID)
			c.rec.ObserveRelease("error")
			return nil, persistenceError("load slot", err)
		}

		if slot.CurrentBookings == 0 {
			log.Printf("release: slot already empty, nothing to return slot=%s appointment=%s", slot.ID, appt.ID)
			c.rec.ObserveRelease("drift")
			c.logEvent(ctx, &appt.ID, EventCapacityReleased, map[string]any{
				"slot_id": slot.ID.String(),
				"drift":   true,
			})
			return appt, nil
		}

		next := slot.CurrentBookings - 1
		swapped, err := c.slots.CompareAndSwap(ctx, slot.ID, slot.Version, next, appt.ID)
		if err != nil {
			if c.landed(ctx, slot.ID, appt.ID, slot.Version) {
				return c.released(ctx, appt, next), nil
			}
			// The decrement may or may not have landed. Keeping the claim can
			// only leak a place, never overbook.
			log.Printf("release: slot write outcome unknown, keeping claim slot=%s appointment=%s err=%v", slot.ID, appt.ID, err)
			c.rec.ObserveRelease("error")
			return nil, persistenceError("update slot", err)
		}
		if swapped {
			return c.released(ctx, appt, next), nil
		}
	}

	c.revertRelease(ctx, appt.ID)
	c.rec.ObserveRelease("conflict")
	return nil, ErrReleaseConflict
}

func (c *Coordinator) released(ctx context.Context, appt *Appointment, bookings int) *Appointment {
	c.rec.ObserveRelease("released")
	log.Printf("release: appointment=%s slot=%s current_bookings=%d", appt.ID, appt.SlotID, bookings)
	c.logEvent(ctx, &appt.ID, EventCapacityReleased, map[string]any{
		"slot_id":          appt.SlotID.String(),
		"current_bookings": bookings,
	})
	return appt
}

func (c *Coordinator) explainUnclaimable(ctx context.Context, appointmentID uuid.UUID) error {
	existing, err := c.repo.GetAppointment(ctx, appointmentID)
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		c.rec.ObserveRelease("unknown")
		return ErrUnknownAppointment
	case err != nil:
		c.rec.ObserveRelease("error")
		return persistenceError("load appointment", err)
	case existing.CapacityReleased || existing.Status == StatusCancelled:
		c.rec.ObserveRelease("already_released")
		return ErrAlreadyReleased
	}
	// claimed by someone else between the two reads
	c.rec.ObserveRelease("conflict")
	return ErrReleaseConflict
}

func (c *Coordinator) revertRelease(ctx context.Context, appointmentID uuid.UUID) {
	rctx, cancel := c.cleanupContext(ctx)
	defer cancel()

	if err := c.repo.RevertRelease(rctx, appointmentID); err != nil {
		log.Printf("release: revert claim failed appointment=%s err=%v", appointmentID, err)
		c.rec.CompensationFailed("release")
		return
	}
	c.logEvent(rctx, &appointmentID, EventReleaseReverted, map[string]any{})
}

// GetAppointment returns a single appointment.
func (c *Coordinator) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := c.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrUnknownAppointment
		}
		return nil, persistenceError("get appointment", err)
	}
	return appt, nil
}

// ListAppointments returns the donor's appointments, newest first.
func (c *Coordinator) ListAppointments(ctx context.Context, donor DonorContext, status *AppointmentStatus) ([]Appointment, error) {
	if err := donor.Validate(); err != nil {
		return nil, err
	}
	appts, err := c.repo.ListAppointments(ctx, AppointmentFilter{DonorID: donor.DonorID, Status: status})
	if err != nil {
		return nil, persistenceError("list appointments", err)
	}
	return appts, nil
}

func (c *Coordinator) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     c.now(),
	}

	if err := c.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s: %v", eventType, err)
	}
}
