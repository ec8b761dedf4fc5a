package booking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Drift is a slot whose counter disagrees with its active appointments.
type Drift struct {
	SlotID          uuid.UUID
	CurrentBookings int
	Active          int
}

// Auditor compares upcoming slot counters with the scheduled, unreleased
// appointments that reference them. It never writes: a leaked place is a
// support ticket, an automatic correction could overbook.
type Auditor struct {
	slots   SlotStore
	appts   AppointmentStore
	rec     Recorder
	horizon time.Duration
	now     func() time.Time
}

func NewAuditor(slots SlotStore, appts AppointmentStore, rec Recorder, horizon time.Duration) *Auditor {
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Auditor{slots: slots, appts: appts, rec: rec, horizon: horizon, now: time.Now}
}

func (a *Auditor) RunOnce(ctx context.Context) ([]Drift, error) {
	from := a.now()
	q := SlotQuery{From: from}
	// a zero horizon means no upper bound, as in the catalog
	if a.horizon > 0 {
		q.To = from.Add(a.horizon)
	}
	slots, err := a.slots.ListSlots(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if len(slots) == 0 {
		a.rec.CapacityDrift(0)
		return nil, nil
	}

	ids := make([]uuid.UUID, len(slots))
	for i := range slots {
		ids[i] = slots[i].ID
	}

	active, err := a.appts.CountActiveBySlot(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count active appointments: %w", err)
	}

	var drifts []Drift
	for _, s := range slots {
		n := active[s.ID]
		if n == s.CurrentBookings {
			continue
		}
		d := Drift{SlotID: s.ID, CurrentBookings: s.CurrentBookings, Active: n}
		drifts = append(drifts, d)
		log.Printf("audit: capacity drift slot=%s current_bookings=%d active=%d", d.SlotID, d.CurrentBookings, d.Active)
	}

	a.rec.CapacityDrift(len(drifts))
	return drifts, nil
}
