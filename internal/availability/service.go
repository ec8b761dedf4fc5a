package availability

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
)

type Availability struct {
	Center       booking.Center
	DonationType booking.DonationType
	Days         []DayBucket
}

type Service struct {
	catalog   *Catalog
	projector *Projector
}

func NewService(catalog *Catalog, projector *Projector) *Service {
	return &Service{catalog: catalog, projector: projector}
}

// ListAvailability resolves the center and returns its bookable slots for
// the donation type, grouped by day.
func (s *Service) ListAvailability(ctx context.Context, centerID uuid.UUID, t booking.DonationType) (*Availability, error) {
	center, err := s.catalog.Center(ctx, centerID)
	if err != nil {
		return nil, err
	}

	slots, err := s.catalog.ListAvailable(ctx, centerID, t)
	if err != nil {
		return nil, err
	}

	days := s.projector.Project(slots)
	log.Printf("availability: center=%s type=%s slots=%d days=%d", centerID, t, len(slots), len(days))

	return &Availability{
		Center:       *center,
		DonationType: t,
		Days:         days,
	}, nil
}
