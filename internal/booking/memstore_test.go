package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Repository and SlotStore with the same
// conditional-write semantics as the Postgres store. Hooks let tests
// interleave other writers at precise points.
type memStore struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]Slot
	appts   map[uuid.UUID]Appointment
	history map[uuid.UUID][]historyEntry
	donors  map[uuid.UUID]bool
	events  []EventLog

	afterInsert func(ctx context.Context, a *Appointment)
	beforeCAS   func(slotID uuid.UUID)
	casErr      func(slotID uuid.UUID) (apply bool, err error)
	insertErr   error
	deleteErr   error
	getSlotErr  func(call int) error
	getSlotN    int
}

type historyEntry struct {
	t  DonationType
	at time.Time
}

func newMemStore() *memStore {
	return &memStore{
		slots:   map[uuid.UUID]Slot{},
		appts:   map[uuid.UUID]Appointment{},
		history: map[uuid.UUID][]historyEntry{},
		donors:  map[uuid.UUID]bool{},
	}
}

func (m *memStore) addDonor(history ...historyEntry) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.donors[id] = true
	m.history[id] = history
	return id
}

func (m *memStore) addSlot(s Slot) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CenterID == uuid.Nil {
		s.CenterID = uuid.New()
	}
	m.slots[s.ID] = s
	return s
}

func (m *memStore) slot(id uuid.UUID) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id]
}

func (m *memStore) appointmentsFor(slotID uuid.UUID) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.SlotID == slotID {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.EventType
	}
	return out
}

func (m *memStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.getSlotN++
	n := m.getSlotN
	hook := m.getSlotErr
	m.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *memStore) ListSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for _, s := range m.slots {
		if q.CenterID != uuid.Nil && s.CenterID != q.CenterID {
			continue
		}
		if q.DonationType != "" && s.DonationType != q.DonationType {
			continue
		}
		if !q.From.IsZero() && !s.StartAt.After(q.From) {
			continue
		}
		if !q.To.IsZero() && s.StartAt.After(q.To) {
			continue
		}
		if q.OnlyOpen && s.IsFull() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *memStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBookings int, appointmentID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.beforeCAS != nil {
		m.beforeCAS(id)
	}

	apply := true
	var injected error
	if m.casErr != nil {
		apply, injected = m.casErr(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return false, nil
	}
	if s.Version != expectedVersion || newBookings < 0 || newBookings > s.Capacity {
		return false, injected
	}
	if apply {
		s.CurrentBookings = newBookings
		s.Version++
		last := appointmentID
		s.LastAppointmentID = &last
		m.slots[id] = s
	}
	return injected == nil, injected
}

func (m *memStore) InsertAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.insertErr != nil {
		m.mu.Unlock()
		return nil, m.insertErr
	}
	cp := *a
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.appts[cp.ID] = cp
	m.mu.Unlock()

	if m.afterInsert != nil {
		m.afterInsert(ctx, &cp)
	}
	return &cp, nil
}

func (m *memStore) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appts, id)
	return nil
}

func (m *memStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.DonorID != f.DonorID {
			continue
		}
		if f.DonationType != nil && a.DonationType != *f.DonationType {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && a.StartAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.StartAt.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	return out, nil
}

func (m *memStore) ClaimRelease(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != StatusScheduled || a.CapacityReleased {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	a.CapacityReleased = true
	m.appts[id] = a
	return &a, nil
}

func (m *memStore) RevertRelease(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || !a.CapacityReleased {
		return ErrAppointmentNotFound
	}
	a.Status = StatusScheduled
	a.CapacityReleased = false
	m.appts[id] = a
	return nil
}

func (m *memStore) CountActiveBySlot(ctx context.Context, slotIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(slotIDs))
	for _, id := range slotIDs {
		want[id] = true
	}
	counts := map[uuid.UUID]int{}
	for _, a := range m.appts {
		if want[a.SlotID] && a.Status == StatusScheduled && !a.CapacityReleased {
			counts[a.SlotID]++
		}
	}
	return counts, nil
}

func (m *memStore) GetProfile(ctx context.Context, donorID uuid.UUID, t DonationType, yearStart, yearEnd time.Time) (*DonorProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.donors[donorID] {
		return nil, ErrDonorNotFound
	}
	p := &DonorProfile{DonorID: donorID, DonationType: t}
	for _, h := range m.history[donorID] {
		if h.t != t {
			continue
		}
		at := h.at
		if p.LastDonationDate == nil || at.After(*p.LastDonationDate) {
			p.LastDonationDate = &at
		}
		if !at.Before(yearStart) && at.Before(yearEnd) {
			p.DonationsCompletedThisYear++
		}
	}
	return p, nil
}

func (m *memStore) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// spyRecorder counts coordinator outcomes.
type spyRecorder struct {
	mu            sync.Mutex
	outcomes      map[Outcome]int
	releases      map[string]int
	compensations int
	drift         int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{outcomes: map[Outcome]int{}, releases: map[string]int{}}
}

func (s *spyRecorder) ObserveReservation(o Outcome, _ string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o]++
}

func (s *spyRecorder) ObserveRelease(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[result]++
}

func (s *spyRecorder) CompensationFailed(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensations++
}

func (s *spyRecorder) CapacityDrift(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = n
}
