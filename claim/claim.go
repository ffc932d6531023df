// Package claim implements the ISO 11783-5 §4.4.2 address-claiming state machine for a
// single internal control function.
package claim

import (
	"math/rand"

	"github.com/openisobus/isobus"
	"github.com/sirupsen/logrus"
)

// guardBaseMillis is the fixed part of the contention guard window.
const guardBaseMillis = 250

// rtxdStepMillis is the per-random-byte jitter unit: 0.6ms * random_byte(0..255) gives
// 0..153ms of jitter.
const rtxdStepMillis = 0.6

// Claimer drives one internal control function's address-claim attempt. It produces
// outbound frames via Start/Update/HandleFrame return values; it never touches a Link
// directly, matching the cooperative single-threaded poll model (spec.md §5).
type Claimer struct {
	name             isobus.NAME
	preferredAddress uint8
	currentAddress   uint8
	state            isobus.ClaimState

	claimAttempted bool
	guardRemaining float64 // milliseconds remaining in the contention guard window
	triedCount     int     // number of candidate addresses attempted, including preferred

	randByte func() uint8
	log      *logrus.Entry

	OnClaimed          func(address uint8)
	OnFailed           func()
	OnAddressViolation func()
	OnStateChange      func(from, to isobus.ClaimState)
}

// Option configures a Claimer at construction time.
type Option func(*Claimer)

// WithLogger attaches a logrus entry used for state-transition diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Claimer) { c.log = log }
}

// WithRandByte overrides the random byte source used to compute RTxD jitter; tests use
// this to make the guard window deterministic.
func WithRandByte(f func() uint8) Option {
	return func(c *Claimer) { c.randByte = f }
}

// New creates a Claimer for name, attempting preferredAddress first.
func New(name isobus.NAME, preferredAddress uint8, opts ...Option) *Claimer {
	c := &Claimer{
		name:             name,
		preferredAddress: preferredAddress,
		currentAddress:   preferredAddress,
		state:            isobus.ClaimStateNone,
		randByte:         func() uint8 { return uint8(rand.Intn(256)) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Claimer) State() isobus.ClaimState { return c.state }

// Address returns the currently claimed (or attempted) address. It is only meaningful
// once State() is ClaimStateClaimed.
func (c *Claimer) Address() uint8 { return c.currentAddress }

func (c *Claimer) setState(to isobus.ClaimState) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("claim state transition")
	}
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

func (c *Claimer) guardWindowMillis() float64 {
	return guardBaseMillis + rtxdStepMillis*float64(c.randByte())
}

func (c *Claimer) claimFrame(source uint8) isobus.Frame {
	id := isobus.Identifier{Priority: 6, PGN: isobus.PGNAddressClaimed, Source: source, Destination: isobus.BroadcastAddress}
	return isobus.NewFrame(id, c.name.Bytes())
}

func (c *Claimer) requestFrame() isobus.Frame {
	id := isobus.Identifier{Priority: 6, PGN: isobus.PGNRequest, Source: c.preferredAddress, Destination: isobus.BroadcastAddress}
	pgn := uint32(isobus.PGNAddressClaimed)
	payload := []byte{uint8(pgn), uint8(pgn >> 8), uint8(pgn >> 16)}
	return isobus.NewFrame(id, payload)
}

// Start begins the claim attempt: it broadcasts a Request-for-Address-Claimed and an
// Address Claimed frame from the preferred address, then enters WaitForContest.
func (c *Claimer) Start() []isobus.Frame {
	c.claimAttempted = true
	c.currentAddress = c.preferredAddress
	c.triedCount = 1
	c.guardRemaining = c.guardWindowMillis()
	c.setState(isobus.ClaimStateWaitForContest)
	return []isobus.Frame{c.requestFrame(), c.claimFrame(c.currentAddress)}
}

// Update advances the guard timer by elapsedMillis and returns any frames produced as a
// side effect (none, currently — guard expiry is a pure state transition).
func (c *Claimer) Update(elapsedMillis float64) []isobus.Frame {
	if c.state != isobus.ClaimStateWaitForContest {
		return nil
	}
	c.guardRemaining -= elapsedMillis
	if c.guardRemaining > 0 {
		return nil
	}
	c.setState(isobus.ClaimStateClaimed)
	if c.OnClaimed != nil {
		c.OnClaimed(c.currentAddress)
	}
	return nil
}

func (c *Claimer) nextCandidate() (uint8, bool) {
	if !c.name.SelfConfigurable {
		return 0, false
	}
	for i := 0; i < int(isobus.MaxAddress)+1; i++ {
		candidate := uint8((int(c.currentAddress) + 1 + i) % (int(isobus.MaxAddress) + 1))
		if candidate == c.preferredAddress {
			continue
		}
		c.triedCount++
		if c.triedCount > int(isobus.MaxAddress)+1 {
			return 0, false
		}
		return candidate, true
	}
	return 0, false
}

// HandleFrame processes one inbound frame addressed to or overheard on the bus. pgn and
// data are the decoded message fields (pgn.Message already assembled by the network
// manager for multi-frame PGNs, though address claim traffic is always single-frame).
func (c *Claimer) HandleFrame(source uint8, pgn isobus.PGN, data []byte) []isobus.Frame {
	switch pgn {
	case isobus.PGNAddressClaimed:
		return c.handleForeignClaim(source, data)
	case isobus.PGNRequest:
		return c.handleRequest()
	default:
		return c.handleAddressViolationCheck(source)
	}
}

func (c *Claimer) handleForeignClaim(source uint8, data []byte) []isobus.Frame {
	if len(data) < 8 {
		return nil
	}
	if source != c.currentAddress && source != c.preferredAddress {
		return nil // not contesting an address we hold or want
	}
	contender := isobus.DecodeNAME(data)

	if c.name.LessThan(contender) {
		// We win: re-assert, reset the guard window (spec.md §9 open question: a reset
		// on every new candidate/re-claim, including a defended win, is mandated here).
		if c.state == isobus.ClaimStateWaitForContest || c.state == isobus.ClaimStateClaimed {
			c.guardRemaining = c.guardWindowMillis()
			c.setState(isobus.ClaimStateWaitForContest)
			return []isobus.Frame{c.claimFrame(c.currentAddress)}
		}
		return nil
	}

	// We lose.
	if candidate, ok := c.nextCandidate(); ok {
		c.currentAddress = candidate
		c.guardRemaining = c.guardWindowMillis()
		c.setState(isobus.ClaimStateWaitForContest)
		if c.log != nil {
			c.log.WithField("candidate", candidate).Debug("address contested, trying next candidate")
		}
		return []isobus.Frame{c.claimFrame(c.currentAddress)}
	}

	c.currentAddress = isobus.NullAddress
	c.setState(isobus.ClaimStateFailed)
	if c.OnFailed != nil {
		c.OnFailed()
	}
	return []isobus.Frame{c.claimFrame(isobus.NullAddress)}
}

func (c *Claimer) handleRequest() []isobus.Frame {
	switch c.state {
	case isobus.ClaimStateNone:
		return nil // MUST NOT respond before first claim attempt
	case isobus.ClaimStateClaimed, isobus.ClaimStateWaitForContest:
		return []isobus.Frame{c.claimFrame(c.currentAddress)}
	case isobus.ClaimStateFailed:
		return []isobus.Frame{c.claimFrame(isobus.NullAddress)}
	default:
		return nil
	}
}

func (c *Claimer) handleAddressViolationCheck(source uint8) []isobus.Frame {
	if c.state != isobus.ClaimStateClaimed || source != c.currentAddress {
		return nil
	}
	if c.log != nil {
		c.log.WithField("address", c.currentAddress).Warn("address violation detected, re-asserting claim")
	}
	if c.OnAddressViolation != nil {
		c.OnAddressViolation()
	}
	return []isobus.Frame{c.claimFrame(c.currentAddress)}
}
