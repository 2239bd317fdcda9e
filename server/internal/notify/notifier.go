package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/machinewatch/machinewatch/pkg/types"
	"github.com/machinewatch/machinewatch/server/internal/config"
)

// Notifier fans alerts out to one Shipper per target.
type Notifier struct {
	shippers []*Shipper
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithDropHook registers fn to be called whenever a target drops an alert,
// either by eviction or after a permanent delivery error.
func WithDropHook(fn func(target string)) Option {
	return func(n *Notifier) {
		for _, s := range n.shippers {
			s.onDrop = fn
		}
	}
}

// New builds a Notifier from cfg. Targets whose URL environment variable is
// empty are skipped with a warning.
func New(cfg config.NotifyConfig, opts ...Option) *Notifier {
	n := &Notifier{}
	for _, t := range cfg.Targets {
		url := t.URL()
		if url == "" {
			slog.Warn("notify: target url not set, skipping",
				"target", t.DisplayName(), "url_env", t.URLEnv)
			continue
		}
		var tr Transport
		switch t.Type {
		case "nats":
			tr = NewNATS(url, t.Subject)
		case "amqp":
			tr = NewAMQP(url, t.Exchange, t.RoutingKey)
		case "slack", "teams", "http":
			tr = NewWebhook(t.Type, url)
		default:
			slog.Warn("notify: unknown target type, skipping", "type", t.Type)
			continue
		}
		n.shippers = append(n.shippers, NewShipper(t.DisplayName(), tr, cfg.BufferSize))
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// NewWithShippers builds a Notifier from already constructed shippers.
func NewWithShippers(shippers ...*Shipper) *Notifier {
	return &Notifier{shippers: shippers}
}

// Len returns the number of active targets.
func (n *Notifier) Len() int { return len(n.shippers) }

// Notify enqueues a on every target. It never blocks.
func (n *Notifier) Notify(a types.Alert) {
	if len(n.shippers) == 0 {
		return
	}
	e := NewEnvelope(a)
	for _, s := range n.shippers {
		s.Ship(e)
	}
}

// Run drains every target until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range n.shippers {
		wg.Add(1)
		go func(s *Shipper) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
}

type discard struct{}

func (discard) Notify(types.Alert) {}

// Discard drops every alert.
var Discard discard
