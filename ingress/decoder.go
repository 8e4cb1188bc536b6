package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-telemetry-engine/models"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrCounterRegression marks a reading whose cumulative energy counter
	// is lower than the device's previous one.
	ErrCounterRegression = fmt.Errorf("%w: energy counter regressed", ErrMalformedPayload)
)

type Kind string

const (
	KindData   Kind = "data"
	KindStatus Kind = "status"
)

type Message struct {
	Kind     Kind
	DeviceID string
	Reading  models.EnergyReading
	Status   models.DeviceStatus
}

// ParseTopic splits energy/{deviceId}/{data|status}.
func ParseTopic(topic string) (string, Kind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "energy" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: unexpected topic %q", ErrMalformedPayload, topic)
	}

	switch Kind(parts[2]) {
	case KindData, KindStatus:
		return parts[1], Kind(parts[2]), nil
	}
	return "", "", fmt.Errorf("%w: unexpected topic kind %q", ErrMalformedPayload, parts[2])
}

type Decoder struct {
	now func() time.Time
}

func NewDecoder(now func() time.Time) *Decoder {
	if now == nil {
		now = time.Now
	}
	return &Decoder{now: now}
}

func (d *Decoder) Decode(topic string, payload []byte) (Message, error) {
	deviceID, kind, err := ParseTopic(topic)
	if err != nil {
		return Message{}, err
	}

	if kind == KindStatus {
		if !json.Valid(payload) {
			return Message{}, fmt.Errorf("%w: status for %s is not valid JSON", ErrMalformedPayload, deviceID)
		}
		return Message{
			Kind:     KindStatus,
			DeviceID: deviceID,
			Status: models.DeviceStatus{
				DeviceID:   deviceID,
				Payload:    append(json.RawMessage(nil), payload...),
				ReceivedAt: d.now().UnixMilli(),
			},
		}, nil
	}

	reading, err := d.DecodeReading(payload)
	if err != nil {
		return Message{}, err
	}
	if reading.DeviceID == "" {
		reading.DeviceID = deviceID
	}
	if reading.DeviceID != deviceID {
		return Message{}, fmt.Errorf("%w: payload device %q does not match topic device %q",
			ErrMalformedPayload, reading.DeviceID, deviceID)
	}

	return Message{Kind: KindData, DeviceID: deviceID, Reading: reading}, nil
}

// DecodeReading parses and validates a reading body. A missing timestamp is
// stamped with the decoder's clock.
func (d *Decoder) DecodeReading(payload []byte) (models.EnergyReading, error) {
	var r models.EnergyReading
	if err := json.Unmarshal(payload, &r); err != nil {
		return models.EnergyReading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if r.Timestamp == 0 {
		r.Timestamp = d.now().UnixMilli()
	}
	if err := r.Validate(); err != nil {
		return models.EnergyReading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return r, nil
}
