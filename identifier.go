package isobus

// PGN is an 18 bit Parameter Group Number, valid range [0, 0x3FFFF].
type PGN uint32

const (
	// BroadcastAddress is the reserved destination value meaning "all nodes" (0xFF).
	BroadcastAddress uint8 = 0xFF
	// NullAddress is the reserved source value used before an address is claimed, and by
	// a control function that has permanently failed to claim one (0xFE).
	NullAddress uint8 = 0xFE
	// MaxAddress is the highest address that may be claimed by a self-configurable node
	// during address-claim candidate search (253).
	MaxAddress uint8 = 253
)

// Well-known PGNs used at the wire; values must stay exact for interop (spec.md §6).
const (
	PGNRequest                PGN = 0x00EA00
	PGNAddressClaimed          PGN = 0x00EE00
	PGNTPDataTransfer          PGN = 0x00EB00
	PGNTPConnectionManagement  PGN = 0x00EC00
	PGNETPDataTransfer         PGN = 0x00C700
	PGNETPConnectionManagement PGN = 0x00C800
	PGNAcknowledgment          PGN = 0x00E800
	PGNVTToECU                 PGN = 0x00E700
	PGNECUToVT                 PGN = 0x00E600
	PGNTCToECU                 PGN = 0x00CB00
	PGNECUToTC                 PGN = 0x00CA00
)

// Identifier is the decoded form of a 29 bit CAN extended identifier as used by
// ISO 11783 / SAE J1939: priority, PGN, source address, and (for PDU1 messages) a
// destination address.
type Identifier struct {
	Priority    uint8
	PGN         PGN
	Source      uint8
	Destination uint8
}

// IsPDU2 reports whether the PGN uses the PDU2 (broadcast) format, i.e. its PDU-format
// byte (bits 16-23 of the PGN) is >= 240. PDU2 messages are never destination-specific;
// the low PGN byte is a group extension rather than a destination address.
func (pgn PGN) IsPDU2() bool {
	return pduFormat(pgn) >= 240
}

func pduFormat(pgn PGN) uint8 {
	return uint8((uint32(pgn) >> 8) & 0xFF)
}

// EncodeIdentifier packs (priority, pgn, source, destination) into the 29 bit raw CAN ID.
// When the PGN is PDU2, destination is ignored: the PS byte comes from the PGN's low byte
// and the identifier always addresses the broadcast group.
func EncodeIdentifier(priority uint8, pgn PGN, source uint8, destination uint8) uint32 {
	id := uint32(source) // bits 0-7

	pf := pduFormat(pgn)
	if pf < 240 {
		id |= uint32(destination) << 8 // bits 8-15: PS = destination
	} else {
		id |= (uint32(pgn) & 0xFF) << 8 // bits 8-15: PS = group extension, already in pgn
	}
	id |= (uint32(pgn) &^ 0xFF) << 8 // bits 16-25: PF + DP + EDP from pgn bits 8-17
	id |= uint32(priority&0x7) << 26 // bits 26-28: priority
	return id & 0x1FFFFFFF
}

// DecodeIdentifier unpacks a 29 bit raw CAN ID into an Identifier. For PDU2 identifiers
// Destination is always reported as BroadcastAddress.
func DecodeIdentifier(canID uint32) Identifier {
	result := Identifier{
		Priority: uint8((canID >> 26) & 0x7),
		Source:   uint8(canID),
	}
	ps := uint8(canID >> 8)
	pf := uint8(canID >> 16)
	edpDP := uint32(canID>>24) & 0x3 // extended data page + data page, bits 24-25
	pgn := PGN((edpDP << 16) | (uint32(pf) << 8))
	if pf < 240 {
		result.Destination = ps
		result.PGN = pgn
	} else {
		result.Destination = BroadcastAddress
		result.PGN = pgn | PGN(ps)
	}
	return result
}

// Frame is a single physical CAN frame: a 29 bit identifier, up to 8 payload bytes, and
// the length actually carried (before 0xFF padding to DLC=8).
type Frame struct {
	ID     Identifier
	Data   [8]byte
	Length uint8
}

// NewFrame builds a Frame with the unused tail of Data filled with 0xFF, matching the
// wire convention that every outbound frame has DLC=8.
func NewFrame(id Identifier, payload []byte) Frame {
	f := Frame{ID: id}
	for i := range f.Data {
		f.Data[i] = 0xFF
	}
	n := copy(f.Data[:], payload)
	f.Length = uint8(n)
	return f
}

// Bytes returns the 8 padded data bytes as a slice.
func (f Frame) Bytes() []byte {
	b := make([]byte, 8)
	copy(b, f.Data[:])
	return b
}
