// Package transport implements the three J1939/ISOBUS multi-frame segmentation
// protocols that ride on top of the raw 8 byte CAN frame: the Transport Protocol (TP,
// BAM and RTS/CTS submodes), the Extended Transport Protocol (ETP), and Fast Packet
// (spec.md §4.3-4.5).
package transport

import (
	"github.com/openisobus/isobus"
)

// Direction of a transport session relative to this node.
type Direction uint8

const (
	DirectionTransmit Direction = iota
	DirectionReceive
)

// State is a transport session's position in its lifecycle state machine (spec.md §3).
type State uint8

const (
	StateWaitingForCTS State = iota
	StateSendingData
	StateWaitingForData
	StateWaitingForEndOfMsg
	StateReceivingData
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateWaitingForCTS:
		return "WaitingForCTS"
	case StateSendingData:
		return "SendingData"
	case StateWaitingForData:
		return "WaitingForData"
	case StateWaitingForEndOfMsg:
		return "WaitingForEndOfMsg"
	case StateReceivingData:
		return "ReceivingData"
	case StateComplete:
		return "Complete"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// AbortReason is the single wire byte carried in an Abort connection-management frame.
type AbortReason uint8

const (
	AbortAlreadyInSession AbortReason = 1
	AbortNoResources      AbortReason = 2
	AbortTimeout          AbortReason = 3
	AbortCTSWhileSending  AbortReason = 4
	AbortMaxRetransmits   AbortReason = 5
	AbortUnexpectedDT     AbortReason = 6
	AbortBadSequence      AbortReason = 7
	AbortDuplicateSequence AbortReason = 8
	AbortTotalSizeTooBig  AbortReason = 9
)

// Control-management command bytes, shared across TP and ETP (distinguished by PGN).
const (
	cmRTS  = 0x10
	cmCTS  = 0x11
	cmEOMA = 0x13
	cmBAM  = 0x20
	cmAbort = 0xFF

	cmETPRTS = 0x14
	cmETPCTS = 0x15
	cmETPDPO = 0x16
	cmETPEOMA = 0x17
)

// Timeouts, in milliseconds (spec.md §4.3, §4.4, §5).
const (
	timeoutT1 = 750.0
	timeoutT2 = 1250.0
	timeoutT3 = 1250.0
	timeoutT4 = 1050.0
	timeoutETP = 750.0
	bamMinFrameGapMillis = 50.0
	ctsHoldResendMillis  = 500.0
)

// MaxPacketsPerCTS is the largest window a CTS may advertise (16 data packets).
const MaxPacketsPerCTS = 16

// SessionKey identifies a transport session by the tuple the invariant in spec.md §3 is
// stated over: at most one transmit and one receive session may exist per key at a time.
type SessionKey struct {
	Source      uint8
	Destination uint8
	PGN         isobus.PGN
	Direction   Direction
}

func seqBytes3(v uint32) []byte {
	return []byte{uint8(v), uint8(v >> 8), uint8(v >> 16)}
}

func pgnBytes3(pgn isobus.PGN) []byte {
	return seqBytes3(uint32(pgn))
}

func size2(v int) (lo, hi uint8) {
	return uint8(v), uint8(v >> 8)
}

func totalPackets(size int) int {
	return (size + 6) / 7
}
