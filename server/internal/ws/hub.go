package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
)

// Subscriber receives serialised broadcast messages for one machine.
// Send must not block; a returned error removes the subscriber.
type Subscriber interface {
	Send(msg []byte) error
	Close() error
}

// Message is the JSON envelope pushed to subscribers on every reading.
type Message struct {
	MachineID int64       `json:"machine_id"`
	Data      ReadingData `json:"data"`
}

// ReadingData is the reading payload of a Message.
type ReadingData struct {
	Temperature       float64 `json:"temperature"`
	Vibration         float64 `json:"vibration"`
	EnergyConsumption float64 `json:"energy_consumption"`
	RecordedAt        string  `json:"recorded_at"`
}

// NewMessage builds the broadcast envelope for r.
func NewMessage(machineID int64, r types.Reading) Message {
	return Message{
		MachineID: machineID,
		Data: ReadingData{
			Temperature:       r.Temperature,
			Vibration:         r.Vibration,
			EnergyConsumption: r.EnergyConsumption,
			RecordedAt:        r.RecordedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// Hub maps machine ids to their subscribers.
type Hub struct {
	sendBuf int
	onDrop  func(machineID int64)

	mu   sync.RWMutex
	subs map[int64]map[Subscriber]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendBuffer sets the outgoing message depth of each WebSocket client.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuf = n
		}
	}
}

// WithDropHook registers fn to be called whenever a subscriber is dropped
// after a failed send.
func WithDropHook(fn func(machineID int64)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		sendBuf: defaultSendBuf,
		onDrop:  func(int64) {},
		subs:    make(map[int64]map[Subscriber]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers s for broadcasts of machineID.
func (h *Hub) Subscribe(machineID int64, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[machineID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.subs[machineID] = set
	}
	set[s] = struct{}{}
}

// Unsubscribe removes s from machineID. It reports whether s was registered;
// removing an unknown subscriber is a no-op.
func (h *Hub) Unsubscribe(machineID int64, s Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[machineID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, machineID)
	}
	return true
}

// Broadcast sends r to every subscriber of machineID. Subscribers whose send
// fails are unsubscribed and closed. It never blocks on a slow subscriber.
func (h *Hub) Broadcast(machineID int64, r types.Reading) {
	targets := h.snapshot(machineID)
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(NewMessage(machineID, r))
	if err != nil {
		slog.Error("ws: marshal message", "machine_id", machineID, "err", err)
		return
	}

	for _, s := range targets {
		if err := s.Send(data); err != nil {
			if h.Unsubscribe(machineID, s) {
				s.Close() //nolint:errcheck
				h.onDrop(machineID)
				slog.Debug("ws: dropped subscriber", "machine_id", machineID, "err", err)
			}
		}
	}
}

// Count returns the number of subscribers across all machines.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// CountFor returns the number of subscribers of machineID.
func (h *Hub) CountFor(machineID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[machineID])
}

// Run blocks until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeMachine upgrades the request to WebSocket and streams broadcasts of
// machineID to it. Blocks until the connection closes.
func (h *Hub) ServeMachine(w http.ResponseWriter, r *http.Request, machineID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := newClient(conn, h.sendBuf)
	h.Subscribe(machineID, c)
	slog.Debug("ws: client connected", "machine_id", machineID, "client", c.id)
	defer func() {
		h.Unsubscribe(machineID, c)
		c.Close() //nolint:errcheck
		slog.Debug("ws: client disconnected", "machine_id", machineID, "client", c.id)
	}()

	go c.writePump()
	c.readPump() // blocks until connection closes
}

func (h *Hub) snapshot(machineID int64) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[machineID]
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[int64]map[Subscriber]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.Close() //nolint:errcheck
		}
	}
}
