package analytics

import (
	"math"
	"time"

	"energy-telemetry-engine/models"
)

const (
	// operatingPowerW is the draw above which a sample counts as "on".
	operatingPowerW = 10.0
	trendSamples    = 10
	trendBand       = 0.10
)

type StatsCalculator struct {
	UnitPrice      float64
	SampleInterval time.Duration
	now            func() time.Time
}

func NewStatsCalculator(unitPrice float64, sampleInterval time.Duration, now func() time.Time) *StatsCalculator {
	if sampleInterval <= 0 {
		sampleInterval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StatsCalculator{
		UnitPrice:      unitPrice,
		SampleInterval: sampleInterval,
		now:            now,
	}
}

func (c *StatsCalculator) samplesPerHour() float64 {
	return float64(time.Hour) / float64(c.SampleInterval)
}

// Compute derives the device stats from its retained window. The window is
// expected in arrival order; the last element is the latest reading.
func (c *StatsCalculator) Compute(window []models.EnergyReading) models.DeviceStats {
	if len(window) == 0 {
		return models.DeviceStats{Trend: models.TrendStable, UpdatedAt: c.now().UnixMilli()}
	}

	latest := window[len(window)-1]
	powers := powerValues(window)

	operating := 0
	for _, p := range powers {
		if p > operatingPowerW {
			operating++
		}
	}

	return models.DeviceStats{
		DeviceID:       latest.DeviceID,
		DeviceName:     latest.DeviceName,
		DeviceType:     latest.DeviceType,
		TotalEnergy:    latest.Energy,
		AveragePower:   Mean(powers),
		OperatingHours: float64(operating) / c.samplesPerHour(),
		Efficiency:     latest.PowerFactor,
		Cost:           latest.Energy * c.UnitPrice,
		Trend:          Trend(powers),
		Samples:        len(window),
		UpdatedAt:      c.now().UnixMilli(),
	}
}

// Trend compares the mean of the latest five samples with the five before
// them. Fewer than ten samples is always stable.
func Trend(powers []float64) models.Trend {
	if len(powers) < trendSamples {
		return models.TrendStable
	}
	tail := powers[len(powers)-trendSamples:]
	half := trendSamples / 2
	return ClassifyTrend(Mean(tail[:half]), Mean(tail[half:]))
}

// ClassifyTrend labels recent against prior with a ±10% band.
func ClassifyTrend(prior, recent float64) models.Trend {
	switch {
	case recent > prior*(1+trendBand):
		return models.TrendIncreasing
	case recent < prior*(1-trendBand):
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev is the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := Mean(values)
	var variance float64
	for _, v := range values {
		diff := v - avg
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func powerValues(window []models.EnergyReading) []float64 {
	out := make([]float64, len(window))
	for i, r := range window {
		out[i] = r.Power
	}
	return out
}
