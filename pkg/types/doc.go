// Package types defines the Go types shared by every machinewatch component.
// These are the canonical in-memory representations of machines, sensor
// readings, per-metric statistics and alerts, separate from any storage or
// wire format.
package types
