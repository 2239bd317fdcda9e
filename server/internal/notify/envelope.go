package notify

import (
	"github.com/google/uuid"

	"github.com/machinewatch/machinewatch/pkg/types"
)

// EventAlertCreated is the event name of every envelope.
const EventAlertCreated = "alert.created"

// Envelope wraps an alert for delivery. ID is unique per alert so consumers
// can deduplicate redeliveries.
type Envelope struct {
	ID    string      `json:"id"`
	Event string      `json:"event"`
	Alert types.Alert `json:"alert"`
}

// NewEnvelope wraps a in a fresh envelope.
func NewEnvelope(a types.Alert) Envelope {
	return Envelope{
		ID:    uuid.NewString(),
		Event: EventAlertCreated,
		Alert: a,
	}
}
