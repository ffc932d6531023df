// Package heartbeat implements the sequence-tracked liveness signal of spec.md §4.9: a
// sender that emits a wrapping 0..250 sequence with an INIT marker and one-shot special
// codes, and a receiver that classifies the stream as Normal, SequenceError, or
// CommError.
package heartbeat

import "github.com/sirupsen/logrus"

const (
	// SequenceInit marks the sender's first emit, or its first emit after a reset.
	SequenceInit uint8 = 251
	// SequenceSenderError is a one-shot injection; the sequence resumes at 0 afterward.
	SequenceSenderError uint8 = 254
	// SequenceShutdown is a one-shot injection; the sequence resumes at 0 afterward.
	SequenceShutdown uint8 = 255

	maxNormalSequence uint8 = 250
)

// DefaultIntervalMillis is the 100ms cadence spec.md §5 assigns to heartbeat emission.
const DefaultIntervalMillis = 100.0

// Sender produces the wrapping sequence. Emit is driven by the host on its own timer, or
// by Update at DefaultIntervalMillis (the interval is fixed; there is no option to change it).
type Sender struct {
	next           uint8
	emittedFirst   bool
	pendingSpecial *uint8
	intervalMillis float64
	timer          float64
}

// NewSender returns a Sender that has not yet emitted INIT.
func NewSender() *Sender {
	return &Sender{intervalMillis: DefaultIntervalMillis}
}

// RequestSenderError arms a one-shot 254 to be returned by the next Emit.
func (s *Sender) RequestSenderError() { v := SequenceSenderError; s.pendingSpecial = &v }

// RequestShutdown arms a one-shot 255 to be returned by the next Emit.
func (s *Sender) RequestShutdown() { v := SequenceShutdown; s.pendingSpecial = &v }

// Emit returns the next sequence value: INIT (251) on the very first call (or the first
// call after Reset), then 0..250 wrapping, unless a special is pending, in which case it
// returns that special and resumes at 0 on the following call.
func (s *Sender) Emit() uint8 {
	if s.pendingSpecial != nil {
		v := *s.pendingSpecial
		s.pendingSpecial = nil
		s.emittedFirst = true
		s.next = 0
		return v
	}
	if !s.emittedFirst {
		s.emittedFirst = true
		s.next = 0
		return SequenceInit
	}
	v := s.next
	if s.next == maxNormalSequence {
		s.next = 0
	} else {
		s.next++
	}
	return v
}

// Reset returns the sender to its pre-INIT state, as if newly constructed.
func (s *Sender) Reset() {
	s.emittedFirst = false
	s.pendingSpecial = nil
	s.next = 0
}

// Update ticks the sender's own interval timer and returns a sequence value when the
// interval elapses, or ok=false otherwise. Hosts that prefer to call Emit on their own
// schedule can ignore Update entirely.
func (s *Sender) Update(elapsedMillis float64) (value uint8, ok bool) {
	s.timer += elapsedMillis
	if s.timer < s.intervalMillis {
		return 0, false
	}
	s.timer -= s.intervalMillis
	return s.Emit(), true
}

// ReceiverState is the heartbeat receiver's classification of the incoming stream.
type ReceiverState uint8

const (
	StateNormal ReceiverState = iota
	StateSequenceError
	StateCommError
)

func (s ReceiverState) String() string {
	switch s {
	case StateNormal:
		return "Normal"
	case StateSequenceError:
		return "SequenceError"
	case StateCommError:
		return "CommError"
	default:
		return "Unknown"
	}
}

const commErrorThresholdMillis = 300.0
const sequenceErrorRecoveryStreak = 8
const maxAcceptableJump = 3

// Receiver classifies an inbound heartbeat sequence stream per spec.md §4.9.
type Receiver struct {
	state              ReceiverState
	lastValue          int // -1 denotes the post-INIT anchor; -2 denotes no observation yet
	consecutiveCorrect int
	sinceLastValid     float64

	log *logrus.Entry

	OnStateChange func(from, to ReceiverState)
	OnSenderError func()
	OnShutdown    func()
}

// NewReceiver returns a Receiver starting in Normal with no expectation yet established.
func NewReceiver() *Receiver {
	return &Receiver{lastValue: noObservation}
}

// WithLogger attaches a logrus entry for state-transition diagnostics.
func (r *Receiver) WithLogger(log *logrus.Entry) *Receiver {
	r.log = log
	return r
}

const noObservation = -2
const postInitAnchor = -1

// State returns the receiver's current classification.
func (r *Receiver) State() ReceiverState { return r.state }

func (r *Receiver) setState(to ReceiverState) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	if r.log != nil {
		r.log.WithField("to", to.String()).Debug("heartbeat receiver state transition")
	}
	if r.OnStateChange != nil {
		r.OnStateChange(from, to)
	}
}

// Update advances the comm-error timer; call once per tick with elapsed milliseconds.
func (r *Receiver) Update(elapsedMillis float64) {
	r.sinceLastValid += elapsedMillis
	if r.state == StateNormal && r.sinceLastValid >= commErrorThresholdMillis {
		r.setState(StateCommError)
	}
}

// Observe processes one received heartbeat sequence value.
func (r *Receiver) Observe(sequence uint8) {
	r.sinceLastValid = 0

	switch sequence {
	case SequenceSenderError:
		if r.OnSenderError != nil {
			r.OnSenderError()
		}
		return
	case SequenceShutdown:
		if r.OnShutdown != nil {
			r.OnShutdown()
		}
		return
	case SequenceInit:
		r.lastValue = postInitAnchor
		if r.state == StateCommError {
			r.setState(StateNormal)
		}
		return
	}

	if r.state == StateCommError {
		r.setState(StateNormal)
		r.lastValue = int(sequence)
		return
	}

	if r.lastValue == noObservation {
		r.lastValue = int(sequence)
		return
	}

	jump := jumpDistance(r.lastValue, int(sequence))
	r.lastValue = int(sequence)

	if jump == 0 || jump > maxAcceptableJump {
		r.setState(StateSequenceError)
		r.consecutiveCorrect = 0
		return
	}

	if r.state == StateSequenceError {
		r.consecutiveCorrect++
		if r.consecutiveCorrect >= sequenceErrorRecoveryStreak {
			r.setState(StateNormal)
			r.consecutiveCorrect = 0
		}
	}
}

// jumpDistance measures the forward distance from last to observed on the 0..250 ring
// (251 values), with last == postInitAnchor (-1) treated as the virtual predecessor of 0
// so a first post-INIT observation of 0 reports a jump of 1.
func jumpDistance(last int, observed int) int {
	const ring = int(maxNormalSequence) + 1
	d := (observed - last) % ring
	if d < 0 {
		d += ring
	}
	return d
}
