// Package power implements the ISO 11783-9 §4.6 power manager: a key-off shutdown timer
// that can be held open by Maintain Power requests from other control functions
// (spec.md §4.9).
package power

import "github.com/sirupsen/logrus"

// State is the power manager's position in the shutdown sequence.
type State uint8

const (
	StateRunning State = iota
	StateShutdownPending
	StateMaintaining
	StatePowerOff
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateShutdownPending:
		return "ShutdownPending"
	case StateMaintaining:
		return "Maintaining"
	case StatePowerOff:
		return "PowerOff"
	default:
		return "Unknown"
	}
}

const (
	minimumHoldMillis     = 2000.0
	maintainFreshnessMillis = 2000.0
	maxExtensionMillis      = 180_000.0
	// MaintainRepeatMillis is the interval at which a CF wanting power extension should
	// re-emit its Maintain Power request.
	MaintainRepeatMillis = 1000.0
)

// Manager drives the Running -> ShutdownPending -> (Maintaining | PowerOff) sequence.
type Manager struct {
	state State

	sinceKeyOff        float64
	sinceLastMaintain  float64
	haveMaintainSignal bool

	log *logrus.Entry

	OnStateChange func(from, to State)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a logrus entry for state-transition diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// New returns a Manager starting in Running.
func New(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the manager's current position.
func (m *Manager) State() State { return m.state }

func (m *Manager) setState(to State) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	if m.log != nil {
		m.log.WithField("to", to.String()).Debug("power manager state transition")
	}
	if m.OnStateChange != nil {
		m.OnStateChange(from, to)
	}
}

// KeyOff signals ignition has gone off; from Running this begins the shutdown sequence.
// A no-op outside Running.
func (m *Manager) KeyOff() {
	if m.state != StateRunning {
		return
	}
	m.sinceKeyOff = 0
	m.sinceLastMaintain = 0
	m.haveMaintainSignal = false
	m.setState(StateShutdownPending)
}

// KeyOn returns the manager to Running from any state, as happens when ignition resumes.
func (m *Manager) KeyOn() {
	m.setState(StateRunning)
}

// MaintainPower records a Maintain Power request observed on the bus, refreshing the
// freshness window that keeps ShutdownPending/Maintaining from falling through to
// PowerOff.
func (m *Manager) MaintainPower() {
	m.sinceLastMaintain = 0
	m.haveMaintainSignal = true
}

// Update advances the manager's internal timers by elapsedMillis and performs any
// transition the elapsed time now calls for.
func (m *Manager) Update(elapsedMillis float64) {
	switch m.state {
	case StateShutdownPending:
		m.sinceKeyOff += elapsedMillis
		m.sinceLastMaintain += elapsedMillis
		if m.sinceKeyOff < minimumHoldMillis {
			return
		}
		// Any Maintain Power request received since key-off arrived within the hold window.
		if m.haveMaintainSignal {
			m.setState(StateMaintaining)
			return
		}
		m.setState(StatePowerOff)
	case StateMaintaining:
		m.sinceKeyOff += elapsedMillis
		m.sinceLastMaintain += elapsedMillis
		if m.sinceKeyOff > maxExtensionMillis {
			m.setState(StatePowerOff)
			return
		}
		if m.sinceLastMaintain > maintainFreshnessMillis {
			m.setState(StatePowerOff)
		}
	}
}
