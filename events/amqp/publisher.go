/*
publisher.go - AMQP change notifications

Publisher implements rollup.Publisher on a RabbitMQ direct exchange. Each
committed recompute, merge or target change goes out as a persistent JSON
message routed by its kind, so dashboard caches can bind only the kinds they
care about.

Publish never fails the caller: the rollup is already committed, so delivery
errors are logged and dropped.
*/
package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/rollup"
)

const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type Publisher struct {
	conn     *amqp091.Connection
	channel  Channel
	exchange string
	logger   *log.Logger
}

var _ rollup.Publisher = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string, logger *log.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := NewPublisher(channel, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares the exchange on an already open channel.
func NewPublisher(channel Channel, exchange string, logger *log.Logger) (*Publisher, error) {
	err := channel.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{
		channel:  channel,
		exchange: exchange,
		logger:   logger.WithComponent(log.ComponentEvents),
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev rollup.ChangeEvent) {
	body, err := NewChangeMessage(ev).ToJSON()
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode change message", log.FieldError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,      // exchange
		string(ev.Kind), // routing key
		false,           // mandatory
		false,           // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    ev.At,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish change message",
			log.FieldError, err,
			log.FieldSeries, ev.SeriesID,
			log.FieldPeriod, ev.Period,
			"kind", ev.Kind,
		)
		return
	}

	p.logger.DebugContext(ctx, "published change message",
		log.FieldSeries, ev.SeriesID,
		log.FieldPeriod, ev.Period,
		"kind", ev.Kind,
		"exchange", p.exchange,
	)
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
