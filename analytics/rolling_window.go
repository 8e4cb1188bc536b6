package analytics

import (
	"sort"
	"sync"
	"time"

	"energy-telemetry-engine/models"
)

// StatsFunc derives stats from a device's retained window. It runs while the
// device is locked, so it must not call back into the store.
type StatsFunc func(window []models.EnergyReading) models.DeviceStats

// Snapshot is a consistent copy of one device's window and stats.
type Snapshot struct {
	DeviceID string
	Readings []models.EnergyReading
	Stats    models.DeviceStats
	// Kept is set by Append when the appended reading survived pruning.
	Kept bool
}

type deviceWindow struct {
	mu       sync.Mutex
	readings []models.EnergyReading
	stats    models.DeviceStats
	removed  bool
}

// WindowStore keeps the trailing retention window of readings per device.
// Each device has its own lock; the map lock is only held to find or create
// a device entry.
type WindowStore struct {
	mu        sync.RWMutex
	devices   map[string]*deviceWindow
	retention time.Duration
	now       func() time.Time
}

func NewWindowStore(retention time.Duration, now func() time.Time) *WindowStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &WindowStore{
		devices:   make(map[string]*deviceWindow),
		retention: retention,
		now:       now,
	}
}

func (s *WindowStore) device(id string, create bool) *deviceWindow {
	s.mu.RLock()
	w, ok := s.devices[id]
	s.mu.RUnlock()
	if ok || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.devices[id]; !ok {
		w = &deviceWindow{}
		s.devices[id] = w
	}
	return w
}

func (s *WindowStore) cutoff() int64 {
	return s.now().Add(-s.retention).UnixMilli()
}

// Append inserts r, prunes the device's expired readings and, when recompute
// is non-nil, refreshes the device stats from the pruned window. All three
// happen under the device lock.
func (s *WindowStore) Append(r models.EnergyReading, recompute StatsFunc) Snapshot {
	w := s.device(r.DeviceID, true)
	w.mu.Lock()
	for w.removed {
		// lost a race with Prune; the entry is gone from the map
		w.mu.Unlock()
		w = s.device(r.DeviceID, true)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	cutoff := s.cutoff()
	w.readings = append(w.readings, r)
	w.readings = prune(w.readings, cutoff)

	if recompute != nil {
		w.stats = recompute(w.readings)
	}

	return Snapshot{
		DeviceID: r.DeviceID,
		Readings: append([]models.EnergyReading(nil), w.readings...),
		Stats:    w.stats,
		Kept:     r.Timestamp >= cutoff,
	}
}

func (s *WindowStore) Get(deviceID string) []models.EnergyReading {
	w := s.device(deviceID, false)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.EnergyReading(nil), w.readings...)
}

func (s *WindowStore) LastReading(deviceID string) (models.EnergyReading, bool) {
	w := s.device(deviceID, false)
	if w == nil {
		return models.EnergyReading{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.readings) == 0 {
		return models.EnergyReading{}, false
	}
	return w.readings[len(w.readings)-1], true
}

func (s *WindowStore) Snapshot(deviceID string) (Snapshot, bool) {
	w := s.device(deviceID, false)
	if w == nil {
		return Snapshot{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		DeviceID: deviceID,
		Readings: append([]models.EnergyReading(nil), w.readings...),
		Stats:    w.stats,
	}, true
}

// Snapshots returns every device, ordered by id. Each device is copied under
// its own lock; there is no cross-device consistency.
func (s *WindowStore) Snapshots() []Snapshot {
	ids := s.DeviceIDs()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (s *WindowStore) DeviceIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Prune applies the retention cutoff to every device and forgets devices
// whose window became empty. It returns the number of readings removed.
func (s *WindowStore) Prune() int {
	cutoff := s.cutoff()
	removed := 0

	for _, id := range s.DeviceIDs() {
		w := s.device(id, false)
		if w == nil {
			continue
		}

		w.mu.Lock()
		before := len(w.readings)
		w.readings = prune(w.readings, cutoff)
		removed += before - len(w.readings)
		empty := len(w.readings) == 0
		w.mu.Unlock()

		if empty {
			s.mu.Lock()
			// re-check under the map lock: an append may have raced in
			w.mu.Lock()
			if len(w.readings) == 0 && s.devices[id] == w {
				w.removed = true
				delete(s.devices, id)
			}
			w.mu.Unlock()
			s.mu.Unlock()
		}
	}
	return removed
}

func prune(readings []models.EnergyReading, cutoff int64) []models.EnergyReading {
	kept := readings[:0]
	for _, r := range readings {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	// drop references held past the new length
	clear(readings[len(kept):])
	return kept
}
