package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpTransport publishes envelopes to a durable topic exchange.
type amqpTransport struct {
	url        string
	exchange   string
	routingKey string
}

// NewAMQP returns a Transport publishing to exchange with routingKey on the
// broker at url. The exchange is declared on every connect.
func NewAMQP(url, exchange, routingKey string) Transport {
	if routingKey == "" {
		routingKey = EventAlertCreated
	}
	return &amqpTransport{url: url, exchange: exchange, routingKey: routingKey}
}

func (t *amqpTransport) String() string { return "amqp:" + t.exchange + "/" + t.routingKey }

func (t *amqpTransport) Dial(_ context.Context) (Sink, error) {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		t.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %q: %w", t.exchange, err)
	}

	return &amqpSink{conn: conn, ch: ch, exchange: t.exchange, routingKey: t.routingKey}, nil
}

type amqpSink struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func (s *amqpSink) Send(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return Permanent(fmt.Errorf("marshal envelope: %w", err))
	}
	err = s.ch.PublishWithContext(ctx,
		s.exchange,
		s.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Type:         e.Event,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (s *amqpSink) Close() error {
	s.ch.Close() //nolint:errcheck
	return s.conn.Close()
}
