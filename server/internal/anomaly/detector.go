package anomaly

import "github.com/machinewatch/machinewatch/pkg/types"

// criticalAbove is the score a winning candidate must exceed to be critical.
// With the fixed scores below only the temperature threshold gets there.
const criticalAbove = 0.75

// deviations is the stddev multiplier used by the statistical pass.
const deviations = 2.0

// rule is one fixed check for one metric.
type rule struct {
	limit float64 // threshold pass only
	label string
	score float64
}

// thresholdRules are evaluated first, in types.Metrics order.
var thresholdRules = map[types.Metric]rule{
	types.MetricTemperature: {limit: 80.0, label: "temperatura alta", score: 0.80},
	types.MetricVibration:   {limit: 3.5, label: "vibración excesiva", score: 0.75},
	types.MetricEnergy:      {limit: 700.0, label: "consumo energético anormal", score: 0.70},
}

// deviationRules are evaluated after every threshold rule.
var deviationRules = map[types.Metric]rule{
	types.MetricTemperature: {label: "temperatura fuera del comportamiento normal", score: 0.65},
	types.MetricVibration:   {label: "vibración fuera del comportamiento normal", score: 0.60},
	types.MetricEnergy:      {label: "energía fuera del comportamiento normal", score: 0.60},
}

// candidate is one triggered rule for the reading under evaluation.
type candidate struct {
	label string
	score float64
}

// Evaluate classifies r against the fixed thresholds and stats.
// It returns the alert to raise and true, or a zero Alert and false when the
// reading is stable.
func Evaluate(r types.Reading, stats types.Statistics) (types.Alert, bool) {
	cands := candidates(r, stats)
	if len(cands) == 0 {
		return types.Alert{}, false
	}

	top := cands[0]
	for _, c := range cands[1:] {
		if c.score > top.score {
			top = c
		}
	}

	return types.Alert{
		MachineID:   r.MachineID,
		AlertType:   classify(top.score),
		Probability: top.score,
		Message:     top.label,
		CreatedAt:   r.RecordedAt,
	}, true
}

// candidates returns every triggered rule in evaluation order.
func candidates(r types.Reading, stats types.Statistics) []candidate {
	var out []candidate

	for _, m := range types.Metrics {
		rl := thresholdRules[m]
		if r.Value(m) > rl.limit {
			out = append(out, candidate{label: rl.label, score: rl.score})
		}
	}

	for _, m := range types.Metrics {
		st := stats.For(m)
		if !st.Defined() {
			continue
		}
		if r.Value(m) > st.Mean+deviations*(*st.StdDev) {
			rl := deviationRules[m]
			out = append(out, candidate{label: rl.label, score: rl.score})
		}
	}

	return out
}

func classify(score float64) types.AlertType {
	if score > criticalAbove {
		return types.AlertCritical
	}
	return types.AlertWarning
}

// Thresholds returns the fixed per-metric limits of the threshold pass.
func Thresholds() map[types.Metric]float64 {
	out := make(map[types.Metric]float64, len(thresholdRules))
	for m, rl := range thresholdRules {
		out[m] = rl.limit
	}
	return out
}
