package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var (
	slotColumns = []string{
		"id", "center_id", "start_at", "donation_type", "capacity",
		"current_bookings", "version", "last_appointment_id", "created_at", "updated_at",
	}
	appointmentColumns = []string{
		"id", "donor_id", "slot_id", "center_id", "donation_type", "start_at",
		"status", "capacity_released", "created_at", "updated_at",
	}
)

const appointmentReturning = `RETURNING id, donor_id, slot_id, center_id, donation_type, start_at,
		status, capacity_released, created_at, updated_at`

// PgRepository implements Repository, SlotStore and CenterStore on Postgres.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.CenterID,
		&s.StartAt,
		&s.DonationType,
		&s.Capacity,
		&s.CurrentBookings,
		&s.Version,
		&s.LastAppointmentID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DonorID,
		&a.SlotID,
		&a.CenterID,
		&a.DonationType,
		&a.StartAt,
		&a.Status,
		&a.CapacityReleased,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanCenter(row pgx.Row) (*Center, error) {
	var c Center

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Address,
		&c.City,
		&c.Latitude,
		&c.Longitude,
		&c.Timezone,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCenterNotFound
		}
		return nil, err
	}

	return &c, nil
}

// Slots

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, center_id, start_at, donation_type, capacity,
		       current_bookings, version, last_appointment_id, created_at, updated_at
		FROM availability_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	sb := psql.Select(slotColumns...).From("availability_slots").OrderBy("start_at", "id")

	if q.CenterID != uuid.Nil {
		sb = sb.Where(squirrel.Eq{"center_id": q.CenterID})
	}
	if q.DonationType != "" {
		sb = sb.Where(squirrel.Eq{"donation_type": string(q.DonationType)})
	}
	if !q.From.IsZero() {
		sb = sb.Where(squirrel.Gt{"start_at": q.From})
	}
	if !q.To.IsZero() {
		sb = sb.Where(squirrel.LtOrEq{"start_at": q.To})
	}
	if q.OnlyOpen {
		sb = sb.Where("current_bookings < capacity")
	}
	if q.Limit > 0 {
		sb = sb.Limit(q.Limit)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build slot query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// CompareAndSwap is the single writer of current_bookings. The capacity
// bound is part of the predicate and is backed by a CHECK constraint.
func (r *PgRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBookings int, appointmentID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availability_slots
		SET current_bookings = $2,
		    version = version + 1,
		    last_appointment_id = $4,
		    updated_at = now()
		WHERE id = $1
		  AND version = $3
		  AND $2 BETWEEN 0 AND capacity
	`, id, newBookings, expectedVersion, appointmentID)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

// Centers

func (r *PgRepository) GetCenter(ctx context.Context, id uuid.UUID) (*Center, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, address, city, latitude, longitude, timezone, created_at
		FROM donation_centers
		WHERE id = $1
	`, id)
	return scanCenter(row)
}

// Donors

func (r *PgRepository) GetProfile(ctx context.Context, donorID uuid.UUID, t DonationType, yearStart, yearEnd time.Time) (*DonorProfile, error) {
	p := DonorProfile{DonorID: donorID, DonationType: t}

	err := r.pool.QueryRow(ctx, `
		SELECT h.last_donation, COALESCE(h.completed, 0)
		FROM donors d
		LEFT JOIN LATERAL (
			SELECT max(donated_at) AS last_donation,
			       count(*) FILTER (WHERE donated_at >= $3 AND donated_at < $4) AS completed
			FROM donation_history
			WHERE donor_id = d.id
			  AND donation_type = $2
		) h ON true
		WHERE d.id = $1
	`, donorID, string(t), yearStart, yearEnd).Scan(&p.LastDonationDate, &p.DonationsCompletedThisYear)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonorNotFound
		}
		return nil, err
	}

	return &p, nil
}

// Appointments

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, donor_id, slot_id, center_id, donation_type, start_at,
		                          status, capacity_released, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, now(), now())
		`+appointmentReturning,
		id, a.DonorID, a.SlotID, a.CenterID, string(a.DonationType), a.StartAt, string(a.Status))

	return scanAppointment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, donor_id, slot_id, center_id, donation_type, start_at,
		       status, capacity_released, created_at, updated_at
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	sb := psql.Select(appointmentColumns...).
		From("appointments").
		Where(squirrel.Eq{"donor_id": f.DonorID}).
		OrderBy("start_at DESC")

	if f.DonationType != nil {
		sb = sb.Where(squirrel.Eq{"donation_type": string(*f.DonationType)})
	}
	if f.Status != nil {
		sb = sb.Where(squirrel.Eq{"status": string(*f.Status)})
	}
	if f.From != nil {
		sb = sb.Where(squirrel.GtOrEq{"start_at": *f.From})
	}
	if f.To != nil {
		sb = sb.Where(squirrel.Lt{"start_at": *f.To})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build appointment query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ClaimRelease(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    capacity_released = true,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND capacity_released = false
		`+appointmentReturning, id)

	return scanAppointment(row)
}

func (r *PgRepository) RevertRelease(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'scheduled',
		    capacity_released = false,
		    updated_at = now()
		WHERE id = $1
		  AND capacity_released = true
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) CountActiveBySlot(ctx context.Context, slotIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	ids := make([]string, len(slotIDs))
	for i, id := range slotIDs {
		ids[i] = id.String()
	}

	rows, err := r.pool.Query(ctx, `
		SELECT slot_id, count(*)
		FROM appointments
		WHERE slot_id = ANY($1::uuid[])
		  AND status = 'scheduled'
		  AND capacity_released = false
		GROUP BY slot_id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int, len(slotIDs))
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}

	return counts, rows.Err()
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
