package models

type ActionType string

const (
	ActionTurnOff     ActionType = "turn_off"
	ActionReducePower ActionType = "reduce_power"
	ActionSchedule    ActionType = "schedule"
	ActionReplace     ActionType = "replace"
)

type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

type OptimizationAction struct {
	ID              string     `json:"id"`
	Type            ActionType `json:"type"`
	DeviceID        string     `json:"deviceId"`
	DeviceName      string     `json:"deviceName"`
	Description     string     `json:"description"`
	ExpectedSavings float64    `json:"expectedSavings"`
	Impact          Impact     `json:"impact"`
}

type Savings struct {
	Energy  float64 `json:"energy"`
	Cost    float64 `json:"cost"`
	Percent float64 `json:"percent"`
}

type OptimizationPlan struct {
	ID              string               `json:"id"`
	Timestamp       int64                `json:"timestamp"`
	Actions         []OptimizationAction `json:"actions"`
	ExpectedSavings Savings              `json:"expectedSavings"`
	Priority        Priority             `json:"priority"`
	Status          PlanStatus           `json:"status"`

	// DiscoveredActions counts every action found before truncation.
	DiscoveredActions int      `json:"discoveredActions"`
	FailedActions     []string `json:"failedActions,omitempty"`
	ExecutedAt        int64    `json:"executedAt,omitempty"`
	CompletedAt       int64    `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers can publish or serve a plan without
// sharing slices with the registry.
func (p *OptimizationPlan) Clone() *OptimizationPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Actions = append([]OptimizationAction(nil), p.Actions...)
	out.FailedActions = append([]string(nil), p.FailedActions...)
	return &out
}

type TimeSlotLimit struct {
	Start    string  `json:"start"`
	End      string  `json:"end"`
	MaxPower float64 `json:"maxPower"`
}

// EnergyConstraints is supplied by the caller of an optimization run.
type EnergyConstraints struct {
	MaxPower        float64         `json:"maxPower"`
	MaxCost         float64         `json:"maxCost"`
	PriorityDevices []string        `json:"priorityDevices"`
	TimeSlots       []TimeSlotLimit `json:"timeSlots"`
}

func (c EnergyConstraints) IsPriority(deviceID string) bool {
	for _, id := range c.PriorityDevices {
		if id == deviceID {
			return true
		}
	}
	return false
}

// ControlCommand is published on energy/control/{deviceId}.
type ControlCommand struct {
	Action    ActionType `json:"action"`
	Timestamp int64      `json:"timestamp"`
}
