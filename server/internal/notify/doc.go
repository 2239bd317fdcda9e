// Package notify forwards persisted alerts to external systems.
//
// Every configured target gets its own Shipper: a bounded queue drained by a
// background goroutine that (re)connects with truncated exponential backoff.
// Notify never blocks the caller; when a queue is full the oldest alert is
// evicted.
//
// Supported targets:
//
//	nats   JSON envelope published to a subject
//	amqp   JSON envelope published to a durable topic exchange
//	slack  incoming-webhook text message
//	teams  MessageCard webhook
//	http   JSON envelope POSTed to an arbitrary URL
//
// Envelope format:
//
//	{"id": "<uuid>", "event": "alert.created", "alert": {...}}
//
// Webhook responses with a 4xx status are treated as permanent and the alert
// is dropped instead of retried.
package notify
