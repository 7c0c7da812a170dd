package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// channel is the part of an AMQP channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes replies to a topic exchange, routed by
// "<routing key>.<channel>", e.g. reply.outbound.sms.
type AMQPPublisher struct {
	conn       *amqp091.Connection
	open       func() (channel, error)
	exchange   string
	routingKey string
	log        *slog.Logger
	now        func() time.Time
}

// NewAMQP dials url and declares a durable topic exchange.
func NewAMQP(url, exchange, routingKey string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	p := &AMQPPublisher{
		conn:       conn,
		exchange:   exchange,
		routingKey: routingKey,
		log:        logger,
		now:        time.Now,
	}
	p.open = func() (channel, error) { return conn.Channel() }
	return p, nil
}

func (p *AMQPPublisher) Send(ctx context.Context, r Reply) error {
	if err := r.validate(); err != nil {
		return err
	}
	env := envelope(r, p.now())
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ch, err := p.open()
	if err != nil {
		return err
	}
	defer ch.Close()
	key := p.routingKey + "." + string(r.Channel)
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: *env.Meta.CorrelationID,
		Timestamp:     env.Meta.CreatedAt,
		Type:          env.Meta.Type,
		Body:          body,
	})
	if err == nil {
		p.log.Info("reply published", slog.String("key", key), slog.String("exchange", p.exchange), slog.String("reply_id", r.ID))
	}
	return err
}

func (p *AMQPPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
