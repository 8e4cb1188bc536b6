package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type DeviceType string

const (
	DeviceLighting DeviceType = "lighting"
	DeviceAC       DeviceType = "ac"
	DeviceAudio    DeviceType = "audio"
	DeviceDisplay  DeviceType = "display"
	DeviceOther    DeviceType = "other"
)

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceLighting, DeviceAC, DeviceAudio, DeviceDisplay, DeviceOther:
		return true
	}
	return false
}

// EnergyReading is a single telemetry sample. Power is in W, Energy is the
// device's cumulative counter in kWh and Timestamp is epoch milliseconds.
type EnergyReading struct {
	DeviceID    string     `json:"deviceId"`
	DeviceName  string     `json:"deviceName"`
	DeviceType  DeviceType `json:"deviceType"`
	Power       float64    `json:"power"`
	Voltage     float64    `json:"voltage"`
	Current     float64    `json:"current"`
	Energy      float64    `json:"energy"`
	PowerFactor float64    `json:"powerFactor"`
	Timestamp   int64      `json:"timestamp"`
}

func (r *EnergyReading) Validate() error {
	if r.DeviceID == "" {
		return errors.New("deviceId is required")
	}

	if r.DeviceType == "" {
		r.DeviceType = DeviceOther
	}
	if !r.DeviceType.Valid() {
		return fmt.Errorf("unknown deviceType %q", r.DeviceType)
	}

	if r.Power < 0 {
		return errors.New("power must be non-negative")
	}
	if r.Voltage < 0 {
		return errors.New("voltage must be non-negative")
	}
	if r.Current < 0 {
		return errors.New("current must be non-negative")
	}
	if r.Energy < 0 {
		return errors.New("energy must be non-negative")
	}

	if r.PowerFactor < 0 || r.PowerFactor > 1 {
		return errors.New("powerFactor must be between 0 and 1")
	}

	if r.Timestamp < 0 {
		return errors.New("timestamp must be non-negative")
	}

	return nil
}

func (r EnergyReading) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// DeviceStatus carries an opaque status payload received on energy/{id}/status.
type DeviceStatus struct {
	DeviceID   string          `json:"deviceId"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt int64           `json:"receivedAt"`
}
