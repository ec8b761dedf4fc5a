package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/config"
)

type Releaser interface {
	Release(ctx context.Context, appointmentID uuid.UUID) (*booking.Appointment, error)
}

// CancellationMessage is published by upstream systems (call center, donor
// portal) when an appointment is cancelled outside this service.
type CancellationMessage struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
}

type disposition int

const (
	ack disposition = iota
	requeue
	drop
)

func (d disposition) String() string {
	switch d {
	case ack:
		return "ack"
	case requeue:
		return "requeue"
	default:
		return "drop"
	}
}

type CancellationListener struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	releaser Releaser
	cfg      config.RabbitMQ
}

// NewCancellationListener dials the broker. It returns nil, nil when
// RabbitMQ is disabled.
func NewCancellationListener(releaser Releaser, cfg config.RabbitMQ) (*CancellationListener, error) {
	if !cfg.Enabled {
		log.Printf("rabbitmq disabled, cancellation listener will not be started")
		return nil, nil
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return &CancellationListener{
		conn:     conn,
		channel:  channel,
		releaser: releaser,
		cfg:      cfg,
	}, nil
}

// Run consumes cancellations until ctx is done or the delivery channel closes.
func (l *CancellationListener) Run(ctx context.Context) error {
	err := l.channel.ExchangeDeclare(
		l.cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", l.cfg.Exchange, err)
	}

	queue, err := l.channel.QueueDeclare(
		l.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", l.cfg.Queue, err)
	}

	if err := l.channel.QueueBind(queue.Name, l.cfg.RoutingKey, l.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue.Name, err)
	}

	if err := l.channel.Qos(l.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := l.channel.ConsumeWithContext(
		ctx,
		queue.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue.Name, err)
	}

	log.Printf("cancellation listener started queue=%s exchange=%s routing_key=%s", queue.Name, l.cfg.Exchange, l.cfg.RoutingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			l.settle(msg, l.handle(ctx, msg.Body))
		}
	}
}

func (l *CancellationListener) settle(msg amqp.Delivery, d disposition) {
	var err error
	switch d {
	case ack:
		err = msg.Ack(false)
	case requeue:
		err = msg.Nack(false, true)
	default:
		err = msg.Nack(false, false)
	}
	if err != nil {
		log.Printf("cancellation: settle delivery=%d disposition=%s err=%v", msg.DeliveryTag, d, err)
	}
}

// handle releases the appointment named in body. Cancellations are
// idempotent: an appointment that is unknown or already released is acked.
func (l *CancellationListener) handle(ctx context.Context, body []byte) disposition {
	var m CancellationMessage
	if err := json.Unmarshal(body, &m); err != nil {
		log.Printf("cancellation: malformed message err=%v body=%q", err, body)
		return drop
	}
	id, err := uuid.Parse(m.AppointmentID)
	if err != nil {
		log.Printf("cancellation: invalid appointment_id=%q", m.AppointmentID)
		return drop
	}

	appt, err := l.releaser.Release(ctx, id)
	switch {
	case err == nil:
		log.Printf("cancellation: released appointment=%s slot=%s reason=%q", appt.ID, appt.SlotID, m.Reason)
		return ack
	case errors.Is(err, booking.ErrUnknownAppointment), errors.Is(err, booking.ErrAlreadyReleased):
		log.Printf("cancellation: nothing to release appointment=%s code=%s", id, booking.ErrorCode(err))
		return ack
	case booking.IsRetryable(err):
		log.Printf("cancellation: release failed, requeueing appointment=%s err=%v", id, err)
		return requeue
	default:
		log.Printf("cancellation: release failed, dropping appointment=%s err=%v", id, err)
		return drop
	}
}

func (l *CancellationListener) Close() error {
	if l == nil || l.channel == nil {
		return nil
	}
	if err := l.channel.Close(); err != nil {
		return err
	}
	return l.conn.Close()
}
