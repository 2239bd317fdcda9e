package notify

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
)

// Transport opens a connection to one delivery target.
type Transport interface {
	Dial(ctx context.Context) (Sink, error)
	String() string
}

// Sink delivers envelopes over an open connection.
type Sink interface {
	Send(ctx context.Context, e Envelope) error
	Close() error
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the Shipper drops the envelope instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanentError(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Shipper buffers envelopes for one target and delivers them in order.
// Ship is non-blocking; when the buffer is full the oldest envelope is evicted.
// Run must be called in a goroutine to drain the buffer and handle reconnection.
type Shipper struct {
	name      string
	transport Transport
	buf       chan Envelope
	onDrop    func(target string)

	// backoff bounds, shortened by tests.
	boInitial time.Duration
	boMax     time.Duration
}

// NewShipper creates a Shipper for transport holding at most size envelopes.
func NewShipper(name string, transport Transport, size int) *Shipper {
	if size <= 0 {
		size = 1
	}
	return &Shipper{
		name:      name,
		transport: transport,
		buf:       make(chan Envelope, size),
		onDrop:    func(string) {},
		boInitial: backoffInitial,
		boMax:     backoffMax,
	}
}

// Name returns the target name used in logs and metrics.
func (s *Shipper) Name() string { return s.name }

// Pending returns the number of queued envelopes.
func (s *Shipper) Pending() int { return len(s.buf) }

// Ship enqueues e. If the buffer is full the oldest entry is evicted to make
// room. Safe for concurrent use.
func (s *Shipper) Ship(e Envelope) {
	for {
		select {
		case s.buf <- e:
			return
		default:
		}
		select {
		case old := <-s.buf:
			s.onDrop(s.name)
			slog.Warn("notify: buffer full, evicted oldest alert",
				"target", s.name, "alert_id", old.Alert.ID, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Run drains the buffer, delivering envelopes to the target.
// It reconnects with exponential backoff when delivery fails.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff(s.boInitial, s.boMax)
	var pending *Envelope

	for {
		if ctx.Err() != nil {
			return
		}

		sink, err := s.transport.Dial(ctx)
		if err != nil {
			wait := bo.next()
			slog.Error("notify: dial failed, will retry",
				"target", s.name,
				"transport", s.transport.String(),
				"err", err,
				"retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		slog.Info("notify: connected", "target", s.name, "transport", s.transport.String())
		bo.reset()

		pending, err = s.drain(ctx, sink, pending)
		sink.Close() //nolint:errcheck

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("notify: delivery failed, will reconnect",
			"target", s.name,
			"err", err,
			"retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// drain sends pending (if any) and then buffered envelopes until a send fails
// or ctx is cancelled. It returns the envelope that failed so the next
// connection retries it first.
func (s *Shipper) drain(ctx context.Context, sink Sink, pending *Envelope) (*Envelope, error) {
	for {
		var e Envelope
		if pending != nil {
			e, pending = *pending, nil
		} else {
			select {
			case <-ctx.Done():
				return nil, nil
			case e = <-s.buf:
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sink.Send(sendCtx, e)
		cancel()

		if err == nil {
			slog.Debug("notify: alert delivered", "target", s.name, "alert_id", e.Alert.ID)
			continue
		}
		if isPermanentError(err) {
			s.onDrop(s.name)
			slog.Error("notify: permanent delivery error, discarding alert",
				"target", s.name, "alert_id", e.Alert.ID, "err", err)
			continue
		}
		if ctx.Err() != nil {
			return &e, nil
		}
		return &e, err
	}
}

// sleep waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, ceiling time.Duration) *backoff {
	return &backoff{initial: initial, max: ceiling, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
