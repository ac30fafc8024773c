package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the slice of *amqp.Channel the sink uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitSink publishes events as JSON to a durable queue on the default exchange.
type RabbitSink struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

// DialRabbit connects and declares the queue once.
func DialRabbit(url, queue string) (*RabbitSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("analytics: rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: rabbitmq channel: %w", err)
	}
	s, err := newRabbitSink(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func newRabbitSink(ch amqpChannel, queue string) (*RabbitSink, error) {
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("analytics: declare %s: %w", queue, err)
	}
	return &RabbitSink{ch: ch, queue: queue}, nil
}

func (s *RabbitSink) Write(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
}

func (s *RabbitSink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
