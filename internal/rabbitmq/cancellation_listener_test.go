package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/config"
)

type mockReleaser struct {
	mock.Mock
}

func (m *mockReleaser) Release(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	args := m.Called(ctx, id)
	appt, _ := args.Get(0).(*booking.Appointment)
	return appt, args.Error(1)
}

func TestHandle(t *testing.T) {
	id := uuid.New()
	body := []byte(`{"appointment_id":"` + id.String() + `","reason":"donor called"}`)

	tests := []struct {
		name string
		appt *booking.Appointment
		err  error
		want disposition
	}{
		{"released", &booking.Appointment{ID: id, SlotID: uuid.New()}, nil, ack},
		{"unknown appointment", nil, booking.ErrUnknownAppointment, ack},
		{"already released", nil, booking.ErrAlreadyReleased, ack},
		{"release conflict", nil, booking.ErrReleaseConflict, requeue},
		{"persistence", nil, booking.WrapPersistence("load slot", errors.New("conn reset")), requeue},
		{"unclassified", nil, errors.New("boom"), drop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := new(mockReleaser)
			r.On("Release", mock.Anything, id).Return(tt.appt, tt.err).Once()

			l := &CancellationListener{releaser: r}
			assert.Equal(t, tt.want, l.handle(context.Background(), body))
			r.AssertExpectations(t)
		})
	}
}

func TestHandle_DropsBadMessages(t *testing.T) {
	r := new(mockReleaser)
	l := &CancellationListener{releaser: r}

	assert.Equal(t, drop, l.handle(context.Background(), []byte(`not json`)))
	assert.Equal(t, drop, l.handle(context.Background(), []byte(`{"appointment_id":"nope"}`)))
	assert.Equal(t, drop, l.handle(context.Background(), []byte(`{}`)))
	r.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestNewCancellationListener_Disabled(t *testing.T) {
	l, err := NewCancellationListener(new(mockReleaser), config.RabbitMQ{Enabled: false})
	assert.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, l.Close())
}
