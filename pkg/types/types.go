package types

import "time"

// Metric names one of the three sensor channels carried by a Reading.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricVibration   Metric = "vibration"
	MetricEnergy      Metric = "energy_consumption"
)

// Metrics is the fixed evaluation order used by the anomaly detector.
var Metrics = []Metric{MetricTemperature, MetricVibration, MetricEnergy}

// Machine is one monitored piece of equipment.
type Machine struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reading is one timestamped sample of a machine's sensors.
// ID is zero until the reading has been stored.
type Reading struct {
	ID                int64     `json:"id,omitempty"`
	MachineID         int64     `json:"machine_id"`
	Temperature       float64   `json:"temperature"`
	Vibration         float64   `json:"vibration"`
	EnergyConsumption float64   `json:"energy_consumption"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// Value returns the reading's value for m.
func (r Reading) Value(m Metric) float64 {
	switch m {
	case MetricTemperature:
		return r.Temperature
	case MetricVibration:
		return r.Vibration
	case MetricEnergy:
		return r.EnergyConsumption
	default:
		return 0
	}
}

// MetricStatistic summarises the stored history of one metric for one machine.
// StdDev is nil when fewer than two samples exist.
type MetricStatistic struct {
	Mean        float64  `json:"mean"`
	StdDev      *float64 `json:"stddev"`
	SampleCount int64    `json:"sample_count"`
}

// Defined reports whether the statistic can back a deviation check.
func (s MetricStatistic) Defined() bool {
	return s.StdDev != nil && s.SampleCount >= 2
}

// Statistics holds one MetricStatistic per Metric.
type Statistics struct {
	Temperature       MetricStatistic `json:"temperature"`
	Vibration         MetricStatistic `json:"vibration"`
	EnergyConsumption MetricStatistic `json:"energy_consumption"`
}

// For returns the statistic for m.
func (s Statistics) For(m Metric) MetricStatistic {
	switch m {
	case MetricTemperature:
		return s.Temperature
	case MetricVibration:
		return s.Vibration
	case MetricEnergy:
		return s.EnergyConsumption
	default:
		return MetricStatistic{}
	}
}

// Set replaces the statistic for m.
func (s *Statistics) Set(m Metric, st MetricStatistic) {
	switch m {
	case MetricTemperature:
		s.Temperature = st
	case MetricVibration:
		s.Vibration = st
	case MetricEnergy:
		s.EnergyConsumption = st
	}
}

// AlertType classifies an alert.
type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
	AlertStable   AlertType = "stable"
)

// Valid reports whether t is one of the known alert types.
func (t AlertType) Valid() bool {
	switch t {
	case AlertWarning, AlertCritical, AlertStable:
		return true
	}
	return false
}

// Alert is a classified anomaly derived from a single reading.
// Alerts are written once and never mutated.
type Alert struct {
	ID          int64     `json:"id,omitempty"`
	MachineID   int64     `json:"machine_id"`
	AlertType   AlertType `json:"alert_type"`
	Probability float64   `json:"probability"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}
