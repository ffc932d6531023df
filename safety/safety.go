// Package safety implements the named-data-source freshness supervisor of spec.md §4.9:
// each source ages independently against its own max-age threshold, and the first one to
// go stale escalates a single global state machine from Normal through Degraded to
// Emergency; Update never moves the supervisor to Shutdown. Escalation from Degraded to Emergency is timed from the moment
// the supervisor (not the individual source) entered Degraded, so a single large Update
// call can never skip Degraded and land straight on Emergency: the transition to Degraded
// and the escalation check are mutually exclusive within one pass.
package safety

import "github.com/sirupsen/logrus"

// State is the supervisor's global safety posture.
type State uint8

const (
	StateNormal State = iota
	StateDegraded
	StateEmergency
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "Normal"
	case StateDegraded:
		return "Degraded"
	case StateEmergency:
		return "Emergency"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// DegradedAction is the host-defined response a source requests once it ages into
// Degraded; the supervisor only carries the tag, it does not interpret it.
type DegradedAction uint8

const (
	DegradedActionNone DegradedAction = iota
	DegradedActionReduceSpeed
	DegradedActionStopActuators
	DegradedActionHoldLastCommand
)

// SourceConfig describes one supervised data source: how long it may go unrefreshed
// before the supervisor considers it Degraded (maxAgeMillis), how much longer after that
// before Emergency (escalationMillis), and what the host should do while Degraded.
type SourceConfig struct {
	MaxAgeMillis     float64
	EscalationMillis float64
	DegradedAction   DegradedAction
}

type sourceState struct {
	config SourceConfig
	age    float64
}

// Supervisor tracks a fixed set of named sources and derives one global State from their
// individual freshness.
type Supervisor struct {
	sources map[string]*sourceState
	state   State

	clockMillis         float64
	degradedSinceMillis float64

	log *logrus.Entry

	OnStateChange func(from, to State)
	OnSourceStale func(name string, action DegradedAction)
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithLogger attaches a logrus entry for state-transition diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Supervisor) { s.log = log }
}

// New returns a Supervisor with no sources registered yet.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{sources: make(map[string]*sourceState)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterSource adds a supervised source, starting fresh (age 0).
func (s *Supervisor) RegisterSource(name string, config SourceConfig) {
	s.sources[name] = &sourceState{config: config}
}

// Refresh records that a value for the named source has just been received, resetting
// its age to 0.
func (s *Supervisor) Refresh(name string) {
	if src, ok := s.sources[name]; ok {
		src.age = 0
	}
}

// State returns the supervisor's current global posture.
func (s *Supervisor) State() State { return s.state }

func (s *Supervisor) setState(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	if s.log != nil {
		s.log.WithField("to", to.String()).Debug("safety supervisor state transition")
	}
	if s.OnStateChange != nil {
		s.OnStateChange(from, to)
	}
}

// TriggerEmergency forces Emergency immediately, with reason recorded only via the log
// (the supervisor does not retain free-text state); Emergency is terminal until Reset.
func (s *Supervisor) TriggerEmergency(reason string) {
	if s.log != nil {
		s.log.WithField("reason", reason).Warn("safety emergency triggered manually")
	}
	s.setState(StateEmergency)
}

// Reset clears Emergency/Shutdown back to Normal and marks every source fresh. Intended
// for host-driven recovery after operator acknowledgement; the supervisor itself never
// calls this.
func (s *Supervisor) Reset() {
	for _, src := range s.sources {
		src.age = 0
	}
	s.clockMillis = 0
	s.degradedSinceMillis = 0
	s.setState(StateNormal)
}

// Update ages every registered source by elapsedMillis and recomputes the global state.
// The first stale source found moves Normal straight to Degraded, stamping the moment
// the supervisor entered it; a source still stale once the supervisor has spent longer
// than its own EscalationMillis in Degraded escalates to Emergency, terminal until Reset.
// Both transitions never happen within the same pass for the same source, matching the
// original policy's if-Normal/else-if-Degraded structure: Update never skips Degraded.
func (s *Supervisor) Update(elapsedMillis float64) {
	if s.state == StateEmergency || s.state == StateShutdown {
		return
	}
	s.clockMillis += elapsedMillis

	anyStale := false
	for name, src := range s.sources {
		src.age += elapsedMillis
		if src.age <= src.config.MaxAgeMillis {
			continue
		}
		anyStale = true

		switch s.state {
		case StateNormal:
			s.degradedSinceMillis = s.clockMillis
			s.setState(StateDegraded)
			if s.OnSourceStale != nil {
				s.OnSourceStale(name, src.config.DegradedAction)
			}
		case StateDegraded:
			if s.clockMillis-s.degradedSinceMillis > src.config.EscalationMillis {
				s.setState(StateEmergency)
				return
			}
		}
	}

	if !anyStale && s.state == StateDegraded {
		s.setState(StateNormal)
	}
}
