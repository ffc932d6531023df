// Package acknowledgment implements the ACK/NACK/Access-Denied/Cannot-Respond protocol
// carried on PGN 0x00E800 (spec.md §6): encode/decode of the 8 byte Acknowledgment
// message plus a Handler that sends the four control variants and dispatches received
// ones to a callback.
package acknowledgment

import (
	"github.com/openisobus/isobus"
	"github.com/sirupsen/logrus"
)

// Control is the acknowledgment's control byte (byte 0).
type Control uint8

const (
	ControlPositive Control = iota
	ControlNegative
	ControlAccessDenied
	ControlCannotRespond
)

func (c Control) String() string {
	switch c {
	case ControlPositive:
		return "PositiveAck"
	case ControlNegative:
		return "NegativeAck"
	case ControlAccessDenied:
		return "AccessDenied"
	case ControlCannotRespond:
		return "CannotRespond"
	default:
		return "Unknown"
	}
}

// Message is the decoded form of one PGNAcknowledgment payload.
type Message struct {
	Control         Control
	GroupFunction   uint8
	Address         uint8
	AcknowledgedPGN isobus.PGN
}

// Encode packs m into the 8 byte payload carried on PGNAcknowledgment. Bytes 2-3 are
// reserved and always 0xFF.
func (m Message) Encode() []byte {
	data := make([]byte, 8)
	for i := range data {
		data[i] = 0xFF
	}
	data[0] = byte(m.Control)
	data[1] = m.GroupFunction
	data[4] = m.Address
	data[5] = byte(m.AcknowledgedPGN)
	data[6] = byte(m.AcknowledgedPGN >> 8)
	data[7] = byte(m.AcknowledgedPGN >> 16)
	return data
}

// Decode extracts a Message from a PGNAcknowledgment payload. Payloads shorter than 8
// bytes decode as the zero Message.
func Decode(data []byte) Message {
	var m Message
	if len(data) < 8 {
		return m
	}
	m.Control = Control(data[0])
	m.GroupFunction = data[1]
	m.Address = data[4]
	m.AcknowledgedPGN = isobus.PGN(data[5]) | isobus.PGN(data[6])<<8 | isobus.PGN(data[7])<<16
	return m
}

// SendFunc is how the handler emits frames, delegating PGN-to-transport selection to the
// network manager per spec.md §4.6.
type SendFunc func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error)

// priorityAcknowledgment is the default J1939 priority (6) used for acknowledgment traffic,
// matching request/ack exchanges elsewhere in the stack.
const priorityAcknowledgment uint8 = 6

// Handler sends and receives acknowledgment traffic for one internal control function.
type Handler struct {
	send SendFunc
	log  *logrus.Entry

	// OnAcknowledgment is invoked for every received acknowledgment, once HandleFrame has
	// decoded it. Left nil, received acknowledgments are decoded and discarded.
	OnAcknowledgment func(msg Message, source uint8)
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithLogger attaches a logrus entry for send/receive diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(h *Handler) { h.log = log }
}

// New creates a Handler emitting frames via send.
func New(send SendFunc, opts ...Option) *Handler {
	h := &Handler{send: send}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) sendControl(control Control, pgn isobus.PGN, dest uint8) ([]isobus.Frame, error) {
	msg := Message{Control: control, GroupFunction: 0xFF, AcknowledgedPGN: pgn, Address: dest}
	if h.log != nil {
		h.log.WithFields(logrus.Fields{"control": control.String(), "pgn": pgn, "dest": dest}).Debug("sending acknowledgment")
	}
	return h.send(isobus.PGNAcknowledgment, msg.Encode(), priorityAcknowledgment, dest)
}

// SendAck emits a positive acknowledgment for pgn addressed to dest.
func (h *Handler) SendAck(pgn isobus.PGN, dest uint8) ([]isobus.Frame, error) {
	return h.sendControl(ControlPositive, pgn, dest)
}

// SendNack emits a negative acknowledgment for pgn addressed to dest.
func (h *Handler) SendNack(pgn isobus.PGN, dest uint8) ([]isobus.Frame, error) {
	return h.sendControl(ControlNegative, pgn, dest)
}

// SendAccessDenied emits an access-denied acknowledgment for pgn addressed to dest.
func (h *Handler) SendAccessDenied(pgn isobus.PGN, dest uint8) ([]isobus.Frame, error) {
	return h.sendControl(ControlAccessDenied, pgn, dest)
}

// SendCannotRespond emits a cannot-respond acknowledgment for pgn addressed to dest.
func (h *Handler) SendCannotRespond(pgn isobus.PGN, dest uint8) ([]isobus.Frame, error) {
	return h.sendControl(ControlCannotRespond, pgn, dest)
}

// HandleFrame decodes one inbound PGNAcknowledgment payload and invokes OnAcknowledgment.
func (h *Handler) HandleFrame(source uint8, data []byte) {
	msg := Decode(data)
	if h.log != nil {
		h.log.WithFields(logrus.Fields{"control": msg.Control.String(), "pgn": msg.AcknowledgedPGN, "from": source}).Debug("received acknowledgment")
	}
	if h.OnAcknowledgment != nil {
		h.OnAcknowledgment(msg, source)
	}
}
