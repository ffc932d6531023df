package network

import (
	"github.com/openisobus/isobus"
	"github.com/openisobus/isobus/claim"
	"github.com/openisobus/isobus/transport"
	"github.com/sirupsen/logrus"
)

// internalEndpoint pairs one owned control function with the claimer driving its address.
type internalEndpoint struct {
	cf      *isobus.InternalCF
	claimer *claim.Claimer
}

// Manager is the single owner of one port's outbound/inbound pipeline: internal control
// functions and their claimers, known partners, the TP/ETP/Fast Packet engines, the PGN
// callback registry, and bus-load accounting (spec.md §4.6).
type Manager struct {
	port uint8

	internals []*internalEndpoint
	partners  *PartnerRegistry
	registry  *callbackRegistry

	tp  *transport.TP
	etp *transport.ETP
	fp  *transport.FastPacket

	busLoad *busLoadSample
	log     *logrus.Entry
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a logrus entry for state-transition and dispatch diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// WithPortCapacity overrides the bus load accounting's assumed segment speed, in bits per
// second (default 250,000, standard J1939 baud).
func WithPortCapacity(bitsPerSec int) Option {
	return func(m *Manager) { m.busLoad = newBusLoadSample(bitsPerSec) }
}

// WithFastPacketPGNs registers the PGNs that should be segmented as Fast Packet rather
// than TP when their payload is small enough for both.
func WithFastPacketPGNs(pgns []isobus.PGN) Option {
	return func(m *Manager) { m.fp = transport.NewFastPacket(pgns) }
}

// NewManager creates a Manager for one port.
func NewManager(port uint8, opts ...Option) *Manager {
	m := &Manager{
		port:     port,
		partners: NewPartnerRegistry(),
		registry: newCallbackRegistry(),
		tp:       transport.NewTP(nil),
		etp:      transport.NewETP(),
		fp:       transport.NewFastPacket(nil),
		busLoad:  newBusLoadSample(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddInternalCF registers an owned control function and starts its address-claim attempt,
// returning the frames the claim must emit immediately.
func (m *Manager) AddInternalCF(cf *isobus.InternalCF, preferredAddress uint8, opts ...claim.Option) []isobus.Frame {
	c := claim.New(cf.Name(), preferredAddress, opts...)
	c.OnStateChange = func(_, to isobus.ClaimState) { cf.SyncClaim(to, c.Address()) }
	ep := &internalEndpoint{cf: cf, claimer: c}
	m.internals = append(m.internals, ep)
	return c.Start()
}

// RegisterPartner adds a partner control function to be resolved by observed NAME claims.
func (m *Manager) RegisterPartner(p *isobus.PartnerCF) {
	m.partners.Register(p)
}

// Subscribe registers fn to receive every reassembled Message for pgn. The returned token
// can be passed to Unsubscribe.
func (m *Manager) Subscribe(pgn isobus.PGN, fn Callback) int {
	return m.registry.Register(pgn, fn)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (m *Manager) Unsubscribe(pgn isobus.PGN, token int) {
	m.registry.Deregister(pgn, token)
}

// BusLoadPercent returns the most recently measured bus load percentage for this port.
func (m *Manager) BusLoadPercent() float64 { return m.busLoad.Percent() }

// addressedDestination is a minimal isobus.ControlFunction standing in for a peer known
// only by address, for callers (protocol handlers) that address a reply by source address
// rather than holding a resolved PartnerCF.
type addressedDestination struct {
	address uint8
	port    uint8
}

func (d addressedDestination) Name() isobus.NAME { return isobus.NAME{} }
func (d addressedDestination) Address() uint8     { return d.address }
func (d addressedDestination) Port() uint8        { return d.port }

// AddressedDestination wraps address as an isobus.ControlFunction suitable for Manager.Send,
// for replying to a peer identified only by its source address (e.g. an acknowledgment).
func (m *Manager) AddressedDestination(address uint8) isobus.ControlFunction {
	if address == isobus.BroadcastAddress {
		return nil
	}
	return addressedDestination{address: address, port: m.port}
}

// Send dispatches data from source to an optional destination (nil means broadcast),
// selecting single-frame, Fast Packet, TP, or ETP per spec.md §4.6.
func (m *Manager) Send(source *isobus.InternalCF, destination isobus.ControlFunction, priority uint8, pgn isobus.PGN, data []byte) ([]isobus.Frame, error) {
	if !source.IsConnected() {
		return nil, isobus.NewError(isobus.KindNotConnected, "source control function has not claimed an address")
	}
	dst := isobus.BroadcastAddress
	if destination != nil {
		dst = destination.Address()
	}

	var frames []isobus.Frame
	var err error
	switch {
	case len(data) <= 8:
		id := isobus.Identifier{Priority: priority, PGN: pgn, Source: source.Address(), Destination: dst}
		frames = []isobus.Frame{isobus.NewFrame(id, data)}
	case m.fp.Registered(pgn) && len(data) <= 223:
		frames, err = m.fp.Send(source.Address(), priority, pgn, data)
	case len(data) <= transport.MaxPayload:
		frames, err = m.tp.Send(source.Address(), dst, priority, pgn, data)
	case dst != isobus.BroadcastAddress:
		frames, err = m.etp.Send(source.Address(), dst, priority, pgn, data)
	default:
		err = isobus.NewError(isobus.KindInvalidState, "payload too large to broadcast")
	}
	if err != nil {
		return nil, err
	}
	for range frames {
		m.busLoad.RecordFrame()
	}
	return frames, nil
}

// HandleFrame folds one inbound frame into claim, transport reassembly, and partner
// discovery, dispatching any resulting Message to registered subscribers. It returns any
// frames the stack must emit in response (CTS, Abort, re-claims, and so on).
func (m *Manager) HandleFrame(frame isobus.Frame) ([]isobus.Frame, error) {
	m.busLoad.RecordFrame()
	id := frame.ID
	data := frame.Bytes()

	if id.PGN == isobus.PGNAddressClaimed && len(data) >= 8 {
		m.partners.ObserveClaim(id.Source, isobus.DecodeNAME(data))
	}

	// Every internal CF's claimer inspects every frame: contending claims and address
	// violations are detected by matching the frame's source against the CF's own
	// current/preferred address, not by the frame's destination.
	var out []isobus.Frame
	for _, ep := range m.internals {
		out = append(out, ep.claimer.HandleFrame(id.Source, id.PGN, data)...)
	}

	var msg *isobus.Message
	switch id.PGN {
	case isobus.PGNTPConnectionManagement, isobus.PGNTPDataTransfer:
		frames, m2, err := m.tp.HandleFrame(id, data)
		if err != nil {
			return out, err
		}
		out = append(out, frames...)
		msg = m2
	case isobus.PGNETPConnectionManagement, isobus.PGNETPDataTransfer:
		frames, m2, err := m.etp.HandleFrame(id, data)
		if err != nil {
			return out, err
		}
		out = append(out, frames...)
		msg = m2
	default:
		if m.fp.Registered(id.PGN) {
			msg = m.fp.Handle(id, frame)
		} else if id.PGN != isobus.PGNAddressClaimed {
			// PGNRequest still reaches subscribers here: the claimer above has already
			// used it to decide whether to reassert a claim, and a request for any other
			// PGN is an application-level concern (e.g. the acknowledgment protocol's
			// Cannot Respond fallback).
			msg = &isobus.Message{PGN: id.PGN, Data: append([]byte(nil), data...), Source: id.Source, Destination: id.Destination, Priority: id.Priority}
		}
	}

	if msg != nil {
		m.registry.Dispatch(*msg)
	}
	return out, nil
}

// Update advances every claimer, transport engine, and the bus load window by
// elapsedMillis, returning any frames produced as a side effect (claim assertions, paced
// BAM data, timeouts turned into Abort).
func (m *Manager) Update(elapsedMillis float64) []isobus.Frame {
	var out []isobus.Frame
	for _, ep := range m.internals {
		out = append(out, ep.claimer.Update(elapsedMillis)...)
	}
	out = append(out, m.tp.Update(elapsedMillis)...)
	out = append(out, m.etp.Update(elapsedMillis)...)
	m.fp.Update(elapsedMillis)
	m.busLoad.Tick(elapsedMillis)
	return out
}
