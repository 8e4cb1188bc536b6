package models

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// DeviceStats is recomputed from the retained window on every reading and
// overwrites the previous value.
type DeviceStats struct {
	DeviceID       string     `json:"deviceId"`
	DeviceName     string     `json:"deviceName"`
	DeviceType     DeviceType `json:"deviceType"`
	TotalEnergy    float64    `json:"totalEnergy"`
	AveragePower   float64    `json:"averagePower"`
	OperatingHours float64    `json:"operatingHours"`
	Efficiency     float64    `json:"efficiency"`
	Cost           float64    `json:"cost"`
	Trend          Trend      `json:"trend"`
	Samples        int        `json:"samples"`
	UpdatedAt      int64      `json:"updatedAt"`
}
