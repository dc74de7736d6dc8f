// Package events publishes session lifecycle events to a RabbitMQ fanout
// exchange for downstream consumers such as payouts and analytics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/digkill/sessiontimer/internal/models"
)

type Type string

const (
	SessionStarted Type = "session.started"
	SessionWarning Type = "session.warning"
	SessionEnded   Type = "session.ended"
)

type Event struct {
	Type          Type               `json:"type"`
	SessionID     string             `json:"sessionId"`
	SessionType   models.SessionType `json:"sessionType"`
	Warning       string             `json:"warning,omitempty"`
	Reason        models.EndReason   `json:"reason,omitempty"`
	TimeLeft      int                `json:"timeLeft"`
	TimeUtilized  int                `json:"timeUtilized"`
	MaxDuration   int                `json:"maxDuration"`
	RatePerMinute float64            `json:"ratePerMinute"`
	At            time.Time          `json:"at"`
}

func NewEvent(t Type, timer models.SessionTimer) Event {
	return Event{
		Type:          t,
		SessionID:     timer.SessionID,
		SessionType:   timer.Type,
		TimeLeft:      timer.TimeLeft,
		TimeUtilized:  timer.TimeUtilized,
		MaxDuration:   timer.MaxDuration,
		RatePerMinute: timer.RatePerMinute,
		At:            time.Now().UTC(),
	}
}

// Publisher defines the interface for publishing lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// channel is the subset of *amqp.Channel used here.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	mu       sync.Mutex
}

// NewAMQPPublisher connects to RabbitMQ and declares the fanout exchange.
func NewAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := newPublisher(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) (*AMQPPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish(
		p.exchange,
		string(evt.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Type:         string(evt.Type),
			Timestamp:    evt.At,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Close closes the RabbitMQ channel and connection.
func (p *AMQPPublisher) Close() error {
	var err error
	if p.channel != nil {
		err = p.channel.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }
