package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
)

const allSlotsKey = "slots:all"

// SlotStore keeps slot capacity in Redis hashes. The conditional write runs
// as a Lua script so the version check, bounds check and update are atomic.
//
//	slot:{id}                 hash of slot fields
//	slots:{center}:{type}     zset of slot ids scored by start time
//	slots:all                 zset of every slot id scored by start time
type SlotStore struct {
	client *redis.Client
}

func NewSlotStore(client *redis.Client) *SlotStore {
	return &SlotStore{client: client}
}

func slotKey(id uuid.UUID) string {
	return "slot:" + id.String()
}

func indexKey(centerID uuid.UUID, t booking.DonationType) string {
	return fmt.Sprintf("slots:%s:%s", centerID, t)
}

// casScript returns 1 when applied, 0 on a version mismatch, -1 when the
// slot is missing and -2 when the new value is out of bounds.
var casScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "version")
if not v then
  return -1
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return 0
end
local cap = tonumber(redis.call("HGET", KEYS[1], "capacity"))
local n = tonumber(ARGV[2])
if n < 0 or n > cap then
  return -2
end
redis.call("HSET", KEYS[1],
  "current_bookings", ARGV[2],
  "version", tostring(tonumber(v) + 1),
  "last_appointment_id", ARGV[3],
  "updated_at", ARGV[4])
return 1
`)

func (s *SlotStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBookings int, appointmentID uuid.UUID) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{slotKey(id)},
		expectedVersion, newBookings, appointmentID.String(), time.Now().UnixNano(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("slot compare and swap: %w", err)
	}
	return res == 1, nil
}

func (s *SlotStore) GetSlot(ctx context.Context, id uuid.UUID) (*booking.Slot, error) {
	fields, err := s.client.HGetAll(ctx, slotKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	if len(fields) == 0 {
		return nil, booking.ErrSlotNotFound
	}
	return decodeSlot(id, fields)
}

func (s *SlotStore) ListSlots(ctx context.Context, q booking.SlotQuery) ([]booking.Slot, error) {
	key := allSlotsKey
	if q.CenterID != uuid.Nil && q.DonationType != "" {
		key = indexKey(q.CenterID, q.DonationType)
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !q.From.IsZero() {
		rng.Min = "(" + strconv.FormatInt(score(q.From), 10)
	}
	if !q.To.IsZero() {
		rng.Max = strconv.FormatInt(score(q.To), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, key, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("range slot index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, "slot:"+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	var out []booking.Slot
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index entry without a hash
			continue
		}
		id, err := uuid.Parse(ids[i])
		if err != nil {
			return nil, fmt.Errorf("slot index entry %q: %w", ids[i], err)
		}
		slot, err := decodeSlot(id, fields)
		if err != nil {
			return nil, err
		}
		if q.CenterID != uuid.Nil && slot.CenterID != q.CenterID {
			continue
		}
		if q.DonationType != "" && slot.DonationType != q.DonationType {
			continue
		}
		if q.OnlyOpen && slot.IsFull() {
			continue
		}
		out = append(out, *slot)
		if q.Limit > 0 && uint64(len(out)) >= q.Limit {
			break
		}
	}

	return out, nil
}

// putScript writes the hash and both index entries. With ARGV[1] == "1" an
// existing slot is left untouched so a live counter is never reset.
var putScript = redis.NewScript(`
if ARGV[1] == "1" and redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "center_id", ARGV[2],
  "start_at", ARGV[3],
  "donation_type", ARGV[4],
  "capacity", ARGV[5],
  "current_bookings", ARGV[6],
  "version", ARGV[7],
  "last_appointment_id", ARGV[8],
  "created_at", ARGV[9],
  "updated_at", ARGV[10])
redis.call("ZADD", KEYS[2], ARGV[11], ARGV[12])
redis.call("ZADD", KEYS[3], ARGV[11], ARGV[12])
return 1
`)

// PutSlot writes a slot and its index entries, replacing any existing state.
// Capacity changes go through CompareAndSwap; PutSlot is for seeding.
func (s *SlotStore) PutSlot(ctx context.Context, slot booking.Slot) error {
	_, err := s.put(ctx, slot, false)
	return err
}

// PreloadSlot copies a slot from the relational store unless Redis already
// owns it. It reports whether the slot was written.
func (s *SlotStore) PreloadSlot(ctx context.Context, slot booking.Slot) (bool, error) {
	return s.put(ctx, slot, true)
}

func (s *SlotStore) put(ctx context.Context, slot booking.Slot, onlyIfAbsent bool) (bool, error) {
	now := time.Now()
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = now
	}
	if slot.UpdatedAt.IsZero() {
		slot.UpdatedAt = now
	}

	last := ""
	if slot.LastAppointmentID != nil {
		last = slot.LastAppointmentID.String()
	}
	flag := "0"
	if onlyIfAbsent {
		flag = "1"
	}

	keys := []string{slotKey(slot.ID), indexKey(slot.CenterID, slot.DonationType), allSlotsKey}
	written, err := putScript.Run(ctx, s.client, keys,
		flag,
		slot.CenterID.String(),
		slot.StartAt.UnixNano(),
		string(slot.DonationType),
		slot.Capacity,
		slot.CurrentBookings,
		slot.Version,
		last,
		slot.CreatedAt.UnixNano(),
		slot.UpdatedAt.UnixNano(),
		score(slot.StartAt),
		slot.ID.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put slot: %w", err)
	}
	return written == 1, nil
}

// score orders index entries by start time in milliseconds, which a zset
// score holds exactly.
func score(t time.Time) int64 {
	return t.UnixMilli()
}

func decodeSlot(id uuid.UUID, f map[string]string) (*booking.Slot, error) {
	s := booking.Slot{ID: id, DonationType: booking.DonationType(f["donation_type"])}

	var err error
	if s.CenterID, err = uuid.Parse(f["center_id"]); err != nil {
		return nil, fmt.Errorf("slot %s center_id: %w", id, err)
	}
	if v := f["last_appointment_id"]; v != "" {
		last, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("slot %s last_appointment_id: %w", id, err)
		}
		s.LastAppointmentID = &last
	}

	ints := []struct {
		field string
		dst   *int64
	}{
		{"start_at", new(int64)},
		{"capacity", new(int64)},
		{"current_bookings", new(int64)},
		{"version", &s.Version},
		{"created_at", new(int64)},
		{"updated_at", new(int64)},
	}
	for _, it := range ints {
		n, err := strconv.ParseInt(f[it.field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("slot %s %s: %w", id, it.field, err)
		}
		*it.dst = n
	}

	s.StartAt = time.Unix(0, *ints[0].dst).UTC()
	s.Capacity = int(*ints[1].dst)
	s.CurrentBookings = int(*ints[2].dst)
	s.CreatedAt = time.Unix(0, *ints[4].dst).UTC()
	s.UpdatedAt = time.Unix(0, *ints[5].dst).UTC()

	return &s, nil
}
