package connection

import (
	"sync"

	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/metrics"
)

// Executor carries out effects. Execute may call Driver.Dispatch (for
// example when a link call fails synchronously); such events are queued and
// processed after the current effects finish.
type Executor interface {
	Execute(effect Effect)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(effect Effect)

// Execute calls f
func (f ExecutorFunc) Execute(effect Effect) {
	f(effect)
}

// Driver serializes events from concurrent link callbacks through a single
// Machine. Whichever goroutine finds the driver idle drains the run queue;
// others enqueue and return, so effects never interleave and a callback that
// dispatches from inside Execute cannot deadlock.
type Driver struct {
	mu      sync.Mutex
	machine Machine
	queue   []Event
	running bool

	exec     Executor
	metrics  *metrics.Transfer
	prefix   string
	onChange func(from, to State)
}

// DriverOption configures a Driver
type DriverOption func(*Driver)

// WithDriverMetrics records transitions and connection attempts
func WithDriverMetrics(m *metrics.Transfer) DriverOption {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithDriverLogPrefix sets the logger prefix
func WithDriverLogPrefix(prefix string) DriverOption {
	return func(d *Driver) {
		d.prefix = prefix
	}
}

// WithStateHandler calls fn after every state change, before the effects of
// the transition run
func WithStateHandler(fn func(from, to State)) DriverOption {
	return func(d *Driver) {
		d.onChange = fn
	}
}

// NewDriver creates a driver around machine
func NewDriver(machine Machine, exec Executor, opts ...DriverOption) *Driver {
	d := &Driver{
		machine: machine,
		exec:    exec,
		prefix:  machine.Role.String(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch feeds ev to the machine and executes the resulting effects
func (d *Driver) Dispatch(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true

	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]

		prev := d.machine.State
		next, effects := d.machine.Step(ev)
		d.machine = next
		d.mu.Unlock()

		if next.State != prev {
			logger.Debug(d.prefix, "%s -> %s (%T)", prev, next.State, ev)
			d.metrics.RecordTransition(next.Role.String(), next.State.String())
			if d.onChange != nil {
				d.onChange(prev, next.State)
			}
		}
		for _, effect := range effects {
			if _, ok := effect.(Connect); ok {
				d.metrics.RecordAttempt()
			}
			logger.Trace(d.prefix, "effect %T %+v", effect, effect)
			d.exec.Execute(effect)
		}

		d.mu.Lock()
	}

	d.running = false
	d.mu.Unlock()
}

// Machine returns a copy of the current machine
func (d *Driver) Machine() Machine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine
}

// State returns the current state
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.State
}

// Peer returns the endpoint of the current attempt or data phase
func (d *Driver) Peer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Peer
}
