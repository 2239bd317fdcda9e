package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// natsTransport publishes envelopes to a NATS subject.
type natsTransport struct {
	url     string
	subject string
}

// NewNATS returns a Transport publishing to subject on the server at url.
func NewNATS(url, subject string) Transport {
	return &natsTransport{url: url, subject: subject}
}

func (t *natsTransport) String() string { return "nats:" + t.subject }

func (t *natsTransport) Dial(ctx context.Context) (Sink, error) {
	opts := []nats.Option{
		nats.Name("machinewatch-notify"),
		// Reconnection is handled by the Shipper.
		nats.NoReconnect(),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(dl)))
	}
	conn, err := nats.Connect(t.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &natsSink{conn: conn, subject: t.subject}, nil
}

type natsSink struct {
	conn    *nats.Conn
	subject string
}

func (s *natsSink) Send(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return Permanent(fmt.Errorf("marshal envelope: %w", err))
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", e.ID)
	msg.Header.Set("Content-Type", "application/json")
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	// Flush surfaces a dead connection on this alert.
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (s *natsSink) Close() error {
	s.conn.Close()
	return nil
}
