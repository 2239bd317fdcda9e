package simulator

import (
	"math"
	"testing"
	"time"
)

func decimals(v float64, places int) bool {
	p := math.Pow(10, float64(places))
	return math.Abs(v*p-math.Round(v*p)) < 1e-6
}

func TestGenerator_Ranges(t *testing.T) {
	g := NewGenerator(1, 2)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		r := g.Next(3, now)
		if r.MachineID != 3 {
			t.Fatalf("MachineID: got %d, want 3", r.MachineID)
		}
		if r.Temperature < tempMin || r.Temperature > tempMax || !decimals(r.Temperature, 2) {
			t.Fatalf("temperature out of range: %v", r.Temperature)
		}
		if r.Vibration < vibMin || r.Vibration > vibMax || !decimals(r.Vibration, 3) {
			t.Fatalf("vibration out of range: %v", r.Vibration)
		}
		if r.EnergyConsumption < energyMin || r.EnergyConsumption > energyMax || !decimals(r.EnergyConsumption, 2) {
			t.Fatalf("energy out of range: %v", r.EnergyConsumption)
		}
	}
}

func TestGenerator_SeedIsDeterministic(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b := NewGenerator(42, 1), NewGenerator(42, 1)
	for i := 0; i < 10; i++ {
		if ra, rb := a.Next(1, now), b.Next(1, now); ra != rb {
			t.Fatalf("step %d: %+v != %+v", i, ra, rb)
		}
	}
	if NewGenerator(42, 1).Next(1, now) == NewGenerator(42, 2).Next(1, now) {
		t.Error("different streams produced the same reading")
	}
}

func TestGenerator_RecordedAtUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, 1, 1, 14, 0, 0, 123456789, loc)
	r := NewGenerator(1, 1).Next(1, now)
	if r.RecordedAt.Location() != time.UTC {
		t.Errorf("location: got %v, want UTC", r.RecordedAt.Location())
	}
	if !r.RecordedAt.Equal(now.Truncate(time.Microsecond)) {
		t.Errorf("RecordedAt: got %v", r.RecordedAt)
	}
}
