package simulator

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
)

// Value ranges of generated readings. Each bound is inclusive of the lower
// end and exclusive of the upper end before rounding.
const (
	tempMin, tempMax     = 40.0, 95.0
	vibMin, vibMax       = 0.05, 5.0
	energyMin, energyMax = 50.0, 800.0
)

// Generator produces uniformly distributed synthetic readings.
// It is not safe for concurrent use; each loop owns one.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a Generator seeded with (seed, stream).
func NewGenerator(seed, stream uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, stream))}
}

// Next returns a reading for machineID recorded at now.
func (g *Generator) Next(machineID int64, now time.Time) types.Reading {
	return types.Reading{
		MachineID:         machineID,
		Temperature:       round(g.uniform(tempMin, tempMax), 2),
		Vibration:         round(g.uniform(vibMin, vibMax), 3),
		EnergyConsumption: round(g.uniform(energyMin, energyMax), 2),
		RecordedAt:        now.UTC().Truncate(time.Microsecond),
	}
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
