package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/donation-slot-reservation/internal/availability"
	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
)

const testSecret = "test-secret"

type fakeReservations struct {
	reserve  func(booking.DonorContext, uuid.UUID, booking.DonationType) (*booking.ReservationResult, error)
	check    func(booking.DonorContext, time.Time, booking.DonationType) (eligibility.Result, error)
	release  func(uuid.UUID) (*booking.Appointment, error)
	appts    map[uuid.UUID]*booking.Appointment
	released []uuid.UUID
}

func (f *fakeReservations) Reserve(_ context.Context, d booking.DonorContext, id uuid.UUID, t booking.DonationType) (*booking.ReservationResult, error) {
	return f.reserve(d, id, t)
}

func (f *fakeReservations) CheckEligibility(_ context.Context, d booking.DonorContext, p time.Time, t booking.DonationType) (eligibility.Result, error) {
	return f.check(d, p, t)
}

func (f *fakeReservations) Release(_ context.Context, id uuid.UUID) (*booking.Appointment, error) {
	f.released = append(f.released, id)
	if f.release != nil {
		return f.release(id)
	}
	a := *f.appts[id]
	a.Status = booking.StatusCancelled
	a.CapacityReleased = true
	return &a, nil
}

func (f *fakeReservations) GetAppointment(_ context.Context, id uuid.UUID) (*booking.Appointment, error) {
	a, ok := f.appts[id]
	if !ok {
		return nil, booking.ErrUnknownAppointment
	}
	return a, nil
}

func (f *fakeReservations) ListAppointments(_ context.Context, d booking.DonorContext, status *booking.AppointmentStatus) ([]booking.Appointment, error) {
	var out []booking.Appointment
	for _, a := range f.appts {
		if a.DonorID == d.DonorID && (status == nil || a.Status == *status) {
			out = append(out, *a)
		}
	}
	return out, nil
}

type fakeAvailability struct {
	centers map[uuid.UUID]*availability.Availability
	err     error
}

func (f *fakeAvailability) ListAvailability(_ context.Context, id uuid.UUID, t booking.DonationType) (*availability.Availability, error) {
	if f.err != nil {
		return nil, f.err
	}
	av, ok := f.centers[id]
	if !ok {
		return nil, booking.ErrUnknownCenter
	}
	cp := *av
	cp.DonationType = t
	return &cp, nil
}

type routeRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *routeRecorder) ObserveHTTP(_, route string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

type testServer struct {
	handler http.Handler
	res     *fakeReservations
	avail   *fakeAvailability
	routes  *routeRecorder
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	ts := &testServer{
		res:    &fakeReservations{appts: map[uuid.UUID]*booking.Appointment{}},
		avail:  &fakeAvailability{centers: map[uuid.UUID]*availability.Availability{}},
		routes: &routeRecorder{},
	}
	ts.handler = NewRouter(RouterConfig{
		Reservations: ts.res,
		Availability: ts.avail,
		Health:       NewHealthHandler(nil, "test", "v0"),
		Metrics:      ts.routes,
		JWTSecret:    testSecret,
		RateLimiter:  limiter,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, donor uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if donor != uuid.Nil {
		tok, err := MakeToken(donor, "tenant-1", testSecret, "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestListAvailability(t *testing.T) {
	ts := newTestServer(t, nil)
	center := uuid.New()
	ts.avail.centers[center] = &availability.Availability{
		Center: booking.Center{ID: center, Name: "North Clinic"},
		Days: []availability.DayBucket{{
			Date:  "2024-06-03",
			Slots: []availability.SlotView{{ID: uuid.New(), Time: "09:00", SpotsLeft: 2, Status: availability.StatusFilling, Risk: availability.RiskHigh}},
		}},
	}

	rec := ts.do(t, http.MethodGet, "/v1/centers/"+center.String()+"/availability?type=whole_blood", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AvailabilityResponse](t, rec)
	assert.Equal(t, "North Clinic", resp.CenterName)
	assert.Equal(t, "whole_blood", resp.DonationType)
	require.Len(t, resp.Days, 1)
	assert.Equal(t, availability.RiskHigh, resp.Days[0].Slots[0].Risk)
	assert.Contains(t, ts.routes.routes, "/v1/centers/{centerID}/availability")

	rec = ts.do(t, http.MethodGet, "/v1/centers/"+center.String()+"/availability?type=platelets", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, booking.CodeUnknownDonationType, decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/v1/centers/"+uuid.NewString()+"/availability?type=plasma", uuid.Nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/centers/nope/availability?type=plasma", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAvailability_StorageFailureIsGeneric(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.avail.err = booking.WrapPersistence("list slots", errors.New("dial tcp 10.0.0.3:5432: connection refused"))

	rec := ts.do(t, http.MethodGet, "/v1/centers/"+uuid.NewString()+"/availability?type=plasma", uuid.Nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
	assert.Equal(t, booking.CodePersistence, decode[ErrorResponse](t, rec).Error)
}

func TestCreateReservation_RequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/reservations", uuid.Nil, CreateReservationRequest{SlotID: uuid.NewString(), DonationType: "plasma"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", strings.NewReader(`{}`))
	bad, err := MakeToken(uuid.New(), "", "other-secret", "", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateReservation_Outcomes(t *testing.T) {
	donor := uuid.New()
	slotID := uuid.New()
	days := 25

	tests := []struct {
		name      string
		result    *booking.ReservationResult
		err       error
		status    int
		code      string
		retryable bool
	}{
		{
			name: "confirmed",
			result: &booking.ReservationResult{
				Outcome:     booking.OutcomeConfirmed,
				Appointment: &booking.Appointment{ID: uuid.New(), DonorID: donor, SlotID: slotID, Status: booking.StatusScheduled},
				Eligibility: &eligibility.Result{Eligible: true, DonationType: eligibility.WholeBlood},
			},
			status: http.StatusCreated,
		},
		{
			name: "ineligible",
			result: &booking.ReservationResult{
				Outcome:   booking.OutcomeRejected,
				ErrorCode: string(eligibility.CodeInsufficientInterval),
				Err:       &eligibility.Violation{Code: eligibility.CodeInsufficientInterval, DaysRemaining: 31},
				Eligibility: &eligibility.Result{
					DonationType:  eligibility.WholeBlood,
					DaysSinceLast: &days,
					Violation:     &eligibility.Violation{Code: eligibility.CodeInsufficientInterval, DaysRemaining: 31},
				},
			},
			status: http.StatusUnprocessableEntity,
			code:   string(eligibility.CodeInsufficientInterval),
		},
		{
			name:      "slot taken",
			result:    &booking.ReservationResult{Outcome: booking.OutcomeRolledBack, ErrorCode: booking.CodeSlotTaken, Err: booking.ErrSlotTaken},
			status:    http.StatusConflict,
			code:      booking.CodeSlotTaken,
			retryable: true,
		},
		{
			name:      "rolled back on storage failure",
			result:    &booking.ReservationResult{Outcome: booking.OutcomeRolledBack, ErrorCode: booking.CodePersistence, Err: booking.WrapPersistence("update slot", errors.New("timeout"))},
			status:    http.StatusServiceUnavailable,
			code:      booking.CodePersistence,
			retryable: true,
		},
		{
			name:   "unknown slot",
			err:    booking.ErrUnknownSlot,
			status: http.StatusNotFound,
			code:   booking.CodeUnknownSlot,
		},
		{
			name:   "type mismatch",
			err:    booking.ErrDonationTypeMismatch,
			status: http.StatusBadRequest,
			code:   booking.CodeDonationTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			var got booking.DonorContext
			ts.res.reserve = func(d booking.DonorContext, id uuid.UUID, dt booking.DonationType) (*booking.ReservationResult, error) {
				got = d
				assert.Equal(t, slotID, id)
				assert.Equal(t, eligibility.WholeBlood, dt)
				return tt.result, tt.err
			}

			rec := ts.do(t, http.MethodPost, "/v1/reservations", donor, CreateReservationRequest{SlotID: slotID.String(), DonationType: "whole_blood"})
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, donor, got.DonorID)
			assert.Equal(t, "tenant-1", got.TenantID)
			assert.NotEmpty(t, got.RequestID)

			if tt.err != nil {
				assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
				return
			}
			resp := decode[ReservationResponse](t, rec)
			assert.Equal(t, string(tt.result.Outcome), resp.Outcome)
			assert.Equal(t, tt.code, resp.ErrorCode)
			assert.Equal(t, tt.retryable, resp.Retryable)
		})
	}
}

func TestCreateReservation_BadBody(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/reservations", uuid.New(), CreateReservationRequest{SlotID: "x", DonationType: "plasma"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SLOT_ID", decode[ErrorResponse](t, rec).Error)
}

func TestCreateReservation_RateLimitedPerDonor(t *testing.T) {
	ts := newTestServer(t, NewRateLimiter(0.001, 1))
	ts.res.reserve = func(booking.DonorContext, uuid.UUID, booking.DonationType) (*booking.ReservationResult, error) {
		return nil, booking.ErrUnknownSlot
	}
	body := CreateReservationRequest{SlotID: uuid.NewString(), DonationType: "plasma"}

	first, second := uuid.New(), uuid.New()
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/reservations", first, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/v1/reservations", first, body).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/reservations", second, body).Code)
}

func TestCheckEligibility(t *testing.T) {
	ts := newTestServer(t, nil)
	donor := uuid.New()
	var proposed time.Time
	ts.res.check = func(d booking.DonorContext, p time.Time, dt booking.DonationType) (eligibility.Result, error) {
		proposed = p
		return eligibility.Result{
			DonationType: dt,
			Violation: &eligibility.Violation{
				Code:             eligibility.CodeMaxDonationsReached,
				Message:          "limit reached",
				NextEligibleYear: 2025,
			},
		}, nil
	}

	rec := ts.do(t, http.MethodPost, "/v1/eligibility/check", donor, EligibilityCheckRequest{ProposedDate: "2024-11-20", DonationType: "whole_blood"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, time.November, 20, 0, 0, 0, 0, time.UTC), proposed)

	resp := decode[EligibilityResponse](t, rec)
	assert.False(t, resp.Eligible)
	require.NotNil(t, resp.Violation)
	assert.Equal(t, string(eligibility.CodeMaxDonationsReached), resp.Violation.Code)
	assert.Equal(t, 2025, resp.Violation.NextEligibleYear)

	rec = ts.do(t, http.MethodPost, "/v1/eligibility/check", donor, EligibilityCheckRequest{ProposedDate: "20/11/2024", DonationType: "whole_blood"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseAppointment_OwnerOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	owner, other := uuid.New(), uuid.New()
	appt := &booking.Appointment{ID: uuid.New(), DonorID: owner, SlotID: uuid.New(), Status: booking.StatusScheduled}
	ts.res.appts[appt.ID] = appt
	path := "/v1/appointments/" + appt.ID.String() + "/release"

	rec := ts.do(t, http.MethodPost, path, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, ts.res.released)

	rec = ts.do(t, http.MethodPost, path, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "cancelled", resp.Status)
	assert.True(t, resp.CapacityReleased)

	ts.res.release = func(uuid.UUID) (*booking.Appointment, error) { return nil, booking.ErrAlreadyReleased }
	rec = ts.do(t, http.MethodPost, path, owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, booking.CodeAlreadyReleased, decode[ErrorResponse](t, rec).Error)
}

func TestListAppointments(t *testing.T) {
	ts := newTestServer(t, nil)
	donor := uuid.New()
	for _, s := range []booking.AppointmentStatus{booking.StatusScheduled, booking.StatusCancelled} {
		a := &booking.Appointment{ID: uuid.New(), DonorID: donor, Status: s}
		ts.res.appts[a.ID] = a
	}
	stranger := &booking.Appointment{ID: uuid.New(), DonorID: uuid.New(), Status: booking.StatusScheduled}
	ts.res.appts[stranger.ID] = stranger

	rec := ts.do(t, http.MethodGet, "/v1/appointments", donor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/v1/appointments?status=scheduled", donor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/v1/appointments?status=expired", donor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadiness(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		deps   []Dependency
		status int
		want   string
	}{
		{"all up", []Dependency{{Name: "postgres", Ping: up, Critical: true}, {Name: "redis", Ping: up}}, http.StatusOK, "ok"},
		{"optional down", []Dependency{{Name: "postgres", Ping: up, Critical: true}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"critical down", []Dependency{{Name: "postgres", Ping: down, Critical: true}, {Name: "redis", Ping: up}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.deps, "test", "v0").Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, decode[ReadinessResponse](t, rec).Status)
		})
	}
}

func TestParseToken_RejectsExpiredAndForeignIssuer(t *testing.T) {
	donor := uuid.New()

	expired, err := MakeToken(donor, "", testSecret, "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, testSecret, "")
	assert.Error(t, err)

	foreign, err := MakeToken(donor, "", testSecret, "someone-else", time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(foreign, testSecret, "donor-portal")
	assert.Error(t, err)

	ok, err := MakeToken(donor, "", testSecret, "donor-portal", time.Hour)
	require.NoError(t, err)
	claims, err := ParseToken(ok, testSecret, "donor-portal")
	require.NoError(t, err)
	assert.Equal(t, donor.String(), claims.Subject)
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err)
}
