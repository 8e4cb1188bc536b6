package models

type AlertType string

const (
	AlertPowerSpike        AlertType = "power_spike"
	AlertHighConsumption   AlertType = "high_consumption"
	AlertDeviceMalfunction AlertType = "device_malfunction"
	AlertCostOverrun       AlertType = "cost_overrun"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type AnomalyAlert struct {
	ID           string    `json:"id"`
	Type         AlertType `json:"type"`
	DeviceID     string    `json:"deviceId"`
	DeviceName   string    `json:"deviceName"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	CurrentValue float64   `json:"currentValue"`
	Threshold    float64   `json:"threshold"`
	Timestamp    int64     `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// AlertAck is published on energy/alerts/acknowledged.
type AlertAck struct {
	AlertID string `json:"alertId"`
}
