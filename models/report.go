package models

type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

func (g Granularity) Valid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return true
	}
	return false
}

// TimeRange bounds are epoch milliseconds, both inclusive.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type TimeSlotUsage struct {
	Slot   string  `json:"slot"`
	Start  int64   `json:"start"`
	Energy float64 `json:"energy"`
}

type Comparison struct {
	PreviousPeriod float64 `json:"previousPeriod"`
	Change         float64 `json:"change"`
	ChangePercent  float64 `json:"changePercent"`
}

type UsageReport struct {
	TimeRange    TimeRange              `json:"timeRange"`
	Granularity  Granularity            `json:"granularity"`
	TotalEnergy  float64                `json:"totalEnergy"`
	RangeEnergy  float64                `json:"rangeEnergy"`
	TotalCost    float64                `json:"totalCost"`
	AveragePower float64                `json:"averagePower"`
	PeakPower    float64                `json:"peakPower"`
	PeakTime     int64                  `json:"peakTime"`
	ByDeviceType map[DeviceType]float64 `json:"byDeviceType"`
	ByTimeSlot   []TimeSlotUsage        `json:"byTimeSlot"`
	Trend        Trend                  `json:"trend"`
	Comparison   Comparison             `json:"comparison"`
}
