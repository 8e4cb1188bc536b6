package analytics

import (
	"fmt"
	"time"

	"energy-telemetry-engine/models"
)

type AnomalyConfig struct {
	MinSamples           int
	SpikeSigma           float64
	HighConsumptionKWh   float64
	PowerFactorFloor     float64
	PowerFactorReference float64
}

func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		MinSamples:           10,
		SpikeSigma:           3.0, // 3σ
		HighConsumptionKWh:   100,
		PowerFactorFloor:     0.7,
		PowerFactorReference: 0.85,
	}
}

type AnomalyDetector struct {
	cfg AnomalyConfig
	now func() time.Time
}

func NewAnomalyDetector(cfg AnomalyConfig, now func() time.Time) *AnomalyDetector {
	def := DefaultAnomalyConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.SpikeSigma <= 0 {
		cfg.SpikeSigma = def.SpikeSigma
	}
	if cfg.HighConsumptionKWh <= 0 {
		cfg.HighConsumptionKWh = def.HighConsumptionKWh
	}
	if cfg.PowerFactorFloor <= 0 {
		cfg.PowerFactorFloor = def.PowerFactorFloor
	}
	if cfg.PowerFactorReference <= 0 {
		cfg.PowerFactorReference = def.PowerFactorReference
	}
	if now == nil {
		now = time.Now
	}
	return &AnomalyDetector{cfg: cfg, now: now}
}

// Evaluate runs the spike, consumption and power factor checks for reading,
// which must be the last element of window. Alerts come back without ids;
// the alert manager assigns them.
func (ad *AnomalyDetector) Evaluate(window []models.EnergyReading, stats models.DeviceStats, reading models.EnergyReading) []models.AnomalyAlert {
	if len(window) < ad.cfg.MinSamples {
		return nil
	}

	var alerts []models.AnomalyAlert
	ts := ad.now().UnixMilli()

	baseline := powerValues(window[:len(window)-1])
	if threshold, spike := ad.isSpike(baseline, reading.Power); spike {
		alerts = append(alerts, models.AnomalyAlert{
			Type:         models.AlertPowerSpike,
			DeviceID:     reading.DeviceID,
			DeviceName:   reading.DeviceName,
			Severity:     models.SeverityWarning,
			Message:      fmt.Sprintf("Power spike on %s: %.1fW exceeds %.1fW", displayName(reading), reading.Power, threshold),
			CurrentValue: reading.Power,
			Threshold:    threshold,
			Timestamp:    ts,
		})
	}

	if stats.TotalEnergy > ad.cfg.HighConsumptionKWh {
		alerts = append(alerts, models.AnomalyAlert{
			Type:         models.AlertHighConsumption,
			DeviceID:     reading.DeviceID,
			DeviceName:   reading.DeviceName,
			Severity:     models.SeverityInfo,
			Message:      fmt.Sprintf("High consumption on %s: %.2f kWh", displayName(reading), stats.TotalEnergy),
			CurrentValue: stats.TotalEnergy,
			Threshold:    ad.cfg.HighConsumptionKWh,
			Timestamp:    ts,
		})
	}

	if reading.PowerFactor < ad.cfg.PowerFactorFloor {
		alerts = append(alerts, models.AnomalyAlert{
			Type:         models.AlertDeviceMalfunction,
			DeviceID:     reading.DeviceID,
			DeviceName:   reading.DeviceName,
			Severity:     models.SeverityWarning,
			Message:      fmt.Sprintf("Low power factor on %s: %.2f", displayName(reading), reading.PowerFactor),
			CurrentValue: reading.PowerFactor,
			Threshold:    ad.cfg.PowerFactorReference,
			Timestamp:    ts,
		})
	}

	return alerts
}

func (ad *AnomalyDetector) isSpike(baseline []float64, power float64) (float64, bool) {
	if len(baseline) == 0 {
		return 0, false
	}
	threshold := Mean(baseline) + ad.cfg.SpikeSigma*StdDev(baseline)
	return threshold, power > threshold
}

func displayName(r models.EnergyReading) string {
	if r.DeviceName != "" {
		return r.DeviceName
	}
	return r.DeviceID
}
