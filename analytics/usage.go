package analytics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"energy-telemetry-engine/models"
)

var (
	ErrInvalidGranularity = errors.New("invalid granularity")
	ErrInvalidRange       = errors.New("invalid time range")
)

// UsageAnalyzer builds time-bucketed usage reports over the readings held in
// the window store.
type UsageAnalyzer struct {
	store     *WindowStore
	unitPrice float64
	loc       *time.Location
}

func NewUsageAnalyzer(store *WindowStore, unitPrice float64, loc *time.Location) *UsageAnalyzer {
	if loc == nil {
		loc = time.UTC
	}
	return &UsageAnalyzer{store: store, unitPrice: unitPrice, loc: loc}
}

type bucket struct {
	label  string
	start  time.Time
	energy float64
}

func (a *UsageAnalyzer) Analyze(tr models.TimeRange, g models.Granularity) (models.UsageReport, error) {
	if !g.Valid() {
		return models.UsageReport{}, fmt.Errorf("%w: %q", ErrInvalidGranularity, g)
	}
	if tr.Start > tr.End {
		return models.UsageReport{}, fmt.Errorf("%w: start %d after end %d", ErrInvalidRange, tr.Start, tr.End)
	}

	report := models.UsageReport{
		TimeRange:    tr,
		Granularity:  g,
		ByDeviceType: make(map[models.DeviceType]float64),
		ByTimeSlot:   []models.TimeSlotUsage{},
		Trend:        models.TrendStable,
	}

	snaps := a.store.Snapshots()

	var inRange []models.EnergyReading
	for _, s := range snaps {
		for _, r := range s.Readings {
			if r.Timestamp >= tr.Start && r.Timestamp <= tr.End {
				inRange = append(inRange, r)
			}
		}
	}
	if len(inRange) == 0 {
		return report, nil
	}

	// Totals come from the all-time cumulative counters, not the range.
	for _, s := range snaps {
		report.TotalEnergy += s.Stats.TotalEnergy
	}
	report.TotalCost = report.TotalEnergy * a.unitPrice

	var sumPower float64
	peakSet := false
	buckets := make(map[string]*bucket)
	for _, r := range inRange {
		kw := r.Power / 1000
		sumPower += r.Power
		report.RangeEnergy += kw
		report.ByDeviceType[r.DeviceType] += kw

		if !peakSet || r.Power > report.PeakPower {
			report.PeakPower = r.Power
			report.PeakTime = r.Timestamp
			peakSet = true
		}

		label, start := slotFor(r.Time().In(a.loc), g)
		b, ok := buckets[label]
		if !ok {
			b = &bucket{label: label, start: start}
			buckets[label] = b
		}
		b.energy += kw
	}
	report.AveragePower = sumPower / float64(len(inRange))

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].start.Before(ordered[j].start) })

	series := make([]float64, len(ordered))
	for i, b := range ordered {
		report.ByTimeSlot = append(report.ByTimeSlot, models.TimeSlotUsage{
			Slot:   b.label,
			Start:  b.start.UnixMilli(),
			Energy: b.energy,
		})
		series[i] = b.energy
	}
	report.Trend = seriesTrend(series)

	report.Comparison = a.compare(snaps, tr, report.TotalEnergy)
	return report, nil
}

// compare sums kW over the preceding period of equal length, [start-d, start).
func (a *UsageAnalyzer) compare(snaps []Snapshot, tr models.TimeRange, current float64) models.Comparison {
	d := tr.End - tr.Start
	from, to := tr.Start-d, tr.Start

	var previous float64
	for _, s := range snaps {
		for _, r := range s.Readings {
			if r.Timestamp >= from && r.Timestamp < to {
				previous += r.Power / 1000
			}
		}
	}

	c := models.Comparison{PreviousPeriod: previous, Change: current - previous}
	if previous != 0 {
		c.ChangePercent = c.Change / previous * 100
	}
	return c
}

// seriesTrend compares the mean bucket of the first half with the mean
// bucket of the second. With an odd count the second half has one more
// bucket.
func seriesTrend(series []float64) models.Trend {
	if len(series) < 2 {
		return models.TrendStable
	}
	mid := len(series) / 2
	return ClassifyTrend(Mean(series[:mid]), Mean(series[mid:]))
}

// slotFor returns the bucket label and bucket start for t.
func slotFor(t time.Time, g models.Granularity) (string, time.Time) {
	switch g {
	case models.GranularityHour:
		start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
		return start.Format("2006-01-02 15:00"), start
	case models.GranularityWeek:
		year, week := t.ISOWeek()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		offset := (int(day.Weekday()) + 6) % 7 // days since Monday
		return fmt.Sprintf("%04d-W%02d", year, week), day.AddDate(0, 0, -offset)
	case models.GranularityMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		return start.Format("2006-01"), start
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return start.Format("2006-01-02"), start
	}
}
