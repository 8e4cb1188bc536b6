package bus

import (
	"context"
	"errors"
	"strings"
)

// ErrTransportUnavailable is returned when a publish is attempted without a
// live connection. Drivers never retry; reconnection belongs to the transport.
var ErrTransportUnavailable = errors.New("transport unavailable")

const (
	TopicReadings          = "energy/+/data"
	TopicStatus            = "energy/+/status"
	TopicAlerts            = "energy/alerts"
	TopicAlertAcknowledged = "energy/alerts/acknowledged"
	TopicPlan              = "energy/optimization/plan"
	TopicPlanCompleted     = "energy/optimization/completed"
	topicControlPrefix     = "energy/control/"
)

type Handler func(topic string, payload []byte)

// Bus is the publish/subscribe collaborator. Topic patterns follow MQTT
// wildcard rules.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(pattern string, h Handler) error
	Close() error
}

func DataTopic(deviceID string) string {
	return "energy/" + deviceID + "/data"
}

func StatusTopic(deviceID string) string {
	return "energy/" + deviceID + "/status"
}

func ControlTopic(deviceID string) string {
	return topicControlPrefix + deviceID
}

// Match reports whether topic matches an MQTT-style pattern.
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, seg := range p {
		if seg == "#" {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
