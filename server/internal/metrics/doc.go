// Package metrics exposes Prometheus instrumentation for the simulator,
// store, WebSocket hub and alert notifier. Metrics satisfies the simulator's
// Observer interface and serves the /metrics exposition.
package metrics
