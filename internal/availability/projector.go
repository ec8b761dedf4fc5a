package availability

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusFilling   Status = "filling"
)

type Risk string

const (
	RiskNormal Risk = "normal"
	RiskHigh   Risk = "high"
)

const (
	fillingThreshold  = 3
	highRiskThreshold = 2
)

// Demand is the presentation classification of a slot. It is recomputed on
// every read and never stored.
type Demand struct {
	SpotsLeft int
	Status    Status
	Risk      Risk
}

func Classify(s booking.Slot) Demand {
	left := s.SpotsLeft()
	d := Demand{SpotsLeft: left, Status: StatusAvailable, Risk: RiskNormal}
	if left <= fillingThreshold {
		d.Status = StatusFilling
	}
	if left <= highRiskThreshold {
		d.Risk = RiskHigh
	}
	return d
}

type SlotView struct {
	ID        uuid.UUID `json:"id"`
	StartAt   time.Time `json:"start_at"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	SpotsLeft int       `json:"spots_left"`
	Capacity  int       `json:"capacity"`
	Status    Status    `json:"status"`
	Risk      Risk      `json:"risk"`
}

type DayBucket struct {
	Date  string     `json:"date"`
	Slots []SlotView `json:"slots"`
}

// Projector groups slots into calendar days of its location.
type Projector struct {
	loc *time.Location
}

func NewProjector(loc *time.Location) *Projector {
	if loc == nil {
		loc = time.UTC
	}
	return &Projector{loc: loc}
}

// Project never emits a slot without a place left, whatever the input.
func (p *Projector) Project(slots []booking.Slot) []DayBucket {
	sorted := make([]booking.Slot, 0, len(slots))
	for _, s := range slots {
		if s.SpotsLeft() > 0 {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartAt.Before(sorted[j].StartAt)
	})

	var buckets []DayBucket
	for _, s := range sorted {
		local := s.StartAt.In(p.loc)
		d := Classify(s)
		view := SlotView{
			ID:        s.ID,
			StartAt:   s.StartAt,
			Date:      local.Format("2006-01-02"),
			Time:      local.Format("15:04"),
			SpotsLeft: d.SpotsLeft,
			Capacity:  s.Capacity,
			Status:    d.Status,
			Risk:      d.Risk,
		}

		if n := len(buckets); n > 0 && buckets[n-1].Date == view.Date {
			buckets[n-1].Slots = append(buckets[n-1].Slots, view)
			continue
		}
		buckets = append(buckets, DayBucket{Date: view.Date, Slots: []SlotView{view}})
	}

	return buckets
}
