package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

// Catalog is the read model over persisted slots. It never writes.
type Catalog struct {
	slots   booking.SlotStore
	centers booking.CenterStore
	// centers are immutable reference data, so entries never go stale
	cache   *lru.Cache[uuid.UUID, booking.Center]
	horizon time.Duration
	now     func() time.Time
}

func NewCatalog(slots booking.SlotStore, centers booking.CenterStore, horizon time.Duration, cacheSize int) (*Catalog, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[uuid.UUID, booking.Center](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create center cache: %w", err)
	}

	return &Catalog{
		slots:   slots,
		centers: centers,
		cache:   cache,
		horizon: horizon,
		now:     time.Now,
	}, nil
}

// ListAvailable returns bookable slots for the pair: starting after now,
// within the horizon, with at least one place left. Sorted by start.
func (c *Catalog) ListAvailable(ctx context.Context, centerID uuid.UUID, t booking.DonationType) ([]booking.Slot, error) {
	if _, err := eligibility.ParseDonationType(string(t)); err != nil {
		return nil, booking.ErrInvalidDonationType
	}

	from := c.now()
	q := booking.SlotQuery{
		CenterID:     centerID,
		DonationType: t,
		From:         from,
		OnlyOpen:     true,
	}
	if c.horizon > 0 {
		q.To = from.Add(c.horizon)
	}

	slots, err := c.slots.ListSlots(ctx, q)
	if err != nil {
		return nil, booking.WrapPersistence("list slots", err)
	}

	// the store filters too; these checks keep the contract independent of it
	out := slots[:0]
	for _, s := range slots {
		if s.CenterID != centerID || s.DonationType != t {
			continue
		}
		if !s.StartAt.After(from) || s.IsFull() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Catalog) Center(ctx context.Context, id uuid.UUID) (*booking.Center, error) {
	if center, ok := c.cache.Get(id); ok {
		return &center, nil
	}

	center, err := c.centers.GetCenter(ctx, id)
	if err != nil {
		if errors.Is(err, booking.ErrCenterNotFound) {
			return nil, booking.ErrUnknownCenter
		}
		return nil, booking.WrapPersistence("load center", err)
	}

	c.cache.Add(id, *center)
	return center, nil
}
