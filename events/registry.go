package events

import (
	"sync"

	"go.uber.org/zap"
)

const (
	Reading           = "reading"
	Alert             = "alert"
	AlertAcknowledged = "alert_acknowledged"
	DeviceStatus      = "device_status"
	Plan              = "plan"
	PlanCompleted     = "plan_completed"
)

type Handler func(payload any)

type subscriber struct {
	id int
	fn Handler
}

// Registry fans an event out to every handler currently registered for its
// name. Handlers run synchronously on the emitting goroutine; ordering
// between handlers is not part of the contract.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID int
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:   make(map[string][]subscriber),
		logger: logger.With(zap.String("component", "events")),
	}
}

// On registers fn for name and returns a function that removes it.
func (r *Registry) On(name string, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[name] = append(r.subs[name], subscriber{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.off(name, id) })
	}
}

func (r *Registry) off(name string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[name]
	for i, s := range subs {
		if s.id == id {
			r.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[name]) == 0 {
		delete(r.subs, name)
	}
}

func (r *Registry) Emit(name string, payload any) {
	if r == nil {
		return
	}
	r.mu.RLock()
	subs := append([]subscriber(nil), r.subs[name]...)
	r.mu.RUnlock()

	for _, s := range subs {
		r.call(name, s.fn, payload)
	}
}

func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[name])
}

func (r *Registry) call(name string, fn Handler, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Event handler panicked",
				zap.String("event", name),
				zap.Any("panic", rec),
			)
		}
	}()
	fn(payload)
}
