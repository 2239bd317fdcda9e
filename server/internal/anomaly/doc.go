// Package anomaly classifies sensor readings.
//
// Evaluate runs two passes over the metrics in the fixed order temperature,
// vibration, energy_consumption:
//
//	threshold pass    value > fixed limit          -> 0.80 / 0.75 / 0.70
//	statistical pass  value > mean + 2*stddev      -> 0.65 / 0.60 / 0.60
//
// The statistical pass only considers metrics with at least two stored
// samples. The highest scoring candidate wins, earlier candidates win ties,
// and a winning score above 0.75 is critical, anything else a warning.
// A reading with no candidates is stable and produces no alert.
package anomaly
