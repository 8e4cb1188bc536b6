package analytics

import (
	"math"
	"testing"
	"time"

	"energy-telemetry-engine/models"
)

func powersOf(first, second float64) []float64 {
	out := make([]float64, 0, 10)
	for i := 0; i < 5; i++ {
		out = append(out, first)
	}
	for i := 0; i < 5; i++ {
		out = append(out, second)
	}
	return out
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name   string
		powers []float64
		want   models.Trend
	}{
		{"fifteen percent up", powersOf(100, 115), models.TrendIncreasing},
		{"fifteen percent down", powersOf(100, 85), models.TrendDecreasing},
		{"within band up", powersOf(100, 109), models.TrendStable},
		{"within band down", powersOf(100, 91), models.TrendStable},
		{"too few samples", []float64{100, 100, 100, 200, 200, 200}, models.TrendStable},
		{"only last ten count", append([]float64{1000, 1000, 1000}, powersOf(100, 120)...), models.TrendIncreasing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Trend(tt.powers); got != tt.want {
				t.Fatalf("Trend(%v) = %s, want %s", tt.powers, got, tt.want)
			}
		})
	}
}

func TestStdDevIsPopulation(t *testing.T) {
	got := StdDev([]float64{90, 110, 90, 110})
	if math.Abs(got-10) > 1e-9 {
		t.Fatalf("expected 10, got %v", got)
	}
	if StdDev([]float64{5}) != 0 || StdDev(nil) != 0 {
		t.Fatalf("stddev of fewer than two samples must be 0")
	}
}

func TestComputeStats(t *testing.T) {
	clk := newTestClock()
	calc := NewStatsCalculator(0.6, time.Minute, clk.Now)

	var window []models.EnergyReading
	for i := 0; i < 60; i++ {
		power := 5.0
		if i%2 == 0 {
			power = 200
		}
		r := reading("D1", power, clk.Now().Add(time.Duration(i)*time.Minute))
		r.Energy = float64(i) * 0.1
		r.PowerFactor = 0.9
		window = append(window, r)
	}
	window[len(window)-1].PowerFactor = 0.8

	stats := calc.Compute(window)

	if stats.Samples != 60 {
		t.Fatalf("expected 60 samples, got %d", stats.Samples)
	}
	if math.Abs(stats.OperatingHours-0.5) > 1e-9 {
		t.Fatalf("expected 0.5 operating hours, got %v", stats.OperatingHours)
	}
	if math.Abs(stats.AveragePower-102.5) > 1e-9 {
		t.Fatalf("expected average 102.5W, got %v", stats.AveragePower)
	}
	if math.Abs(stats.TotalEnergy-5.9) > 1e-9 {
		t.Fatalf("total energy must come from the latest counter, got %v", stats.TotalEnergy)
	}
	if math.Abs(stats.Cost-5.9*0.6) > 1e-9 {
		t.Fatalf("unexpected cost %v", stats.Cost)
	}
	if stats.Efficiency != 0.8 {
		t.Fatalf("efficiency must be the latest power factor, got %v", stats.Efficiency)
	}
	if stats.DeviceID != "D1" || stats.DeviceType != models.DeviceLighting {
		t.Fatalf("device identity not carried: %+v", stats)
	}
}

func TestOperatingHoursFollowsSampleInterval(t *testing.T) {
	clk := newTestClock()
	calc := NewStatsCalculator(0.6, 30*time.Second, clk.Now)

	var window []models.EnergyReading
	for i := 0; i < 60; i++ {
		window = append(window, reading("D1", 50, clk.Now()))
	}

	// 120 samples per hour at a 30s interval
	if got := calc.Compute(window).OperatingHours; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5h, got %v", got)
	}
}

func TestComputeEmptyWindow(t *testing.T) {
	calc := NewStatsCalculator(0.6, 0, nil)
	stats := calc.Compute(nil)
	if stats.Trend != models.TrendStable || stats.Samples != 0 {
		t.Fatalf("unexpected stats for empty window: %+v", stats)
	}
}
