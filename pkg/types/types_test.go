package types

import "testing"

func TestReadingValue(t *testing.T) {
	r := Reading{Temperature: 71.5, Vibration: 1.2, EnergyConsumption: 410}
	cases := map[Metric]float64{
		MetricTemperature: 71.5,
		MetricVibration:   1.2,
		MetricEnergy:      410,
		Metric("unknown"): 0,
	}
	for m, want := range cases {
		if got := r.Value(m); got != want {
			t.Errorf("Value(%q): got %v, want %v", m, got, want)
		}
	}
}

func TestMetricStatistic_Defined(t *testing.T) {
	sd := 1.5
	tests := []struct {
		name string
		st   MetricStatistic
		want bool
	}{
		{"no stddev", MetricStatistic{Mean: 10, SampleCount: 5}, false},
		{"one sample", MetricStatistic{Mean: 10, StdDev: &sd, SampleCount: 1}, false},
		{"two samples", MetricStatistic{Mean: 10, StdDev: &sd, SampleCount: 2}, true},
	}
	for _, tc := range tests {
		if got := tc.st.Defined(); got != tc.want {
			t.Errorf("%s: Defined() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStatistics_SetAndFor(t *testing.T) {
	var s Statistics
	for i, m := range Metrics {
		s.Set(m, MetricStatistic{Mean: float64(i + 1), SampleCount: int64(i)})
	}
	for i, m := range Metrics {
		if got := s.For(m).Mean; got != float64(i+1) {
			t.Errorf("For(%q).Mean: got %v, want %v", m, got, i+1)
		}
	}
}

func TestAlertType_Valid(t *testing.T) {
	for _, at := range []AlertType{AlertWarning, AlertCritical, AlertStable} {
		if !at.Valid() {
			t.Errorf("%q should be valid", at)
		}
	}
	if AlertType("advertencia").Valid() {
		t.Error("unexpected valid alert type")
	}
}
