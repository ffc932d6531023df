package isobus

import "time"

// Message is a decoded logical message, i.e. one that has already crossed the frame/message
// boundary owned by the transport layer (spec.md §3).
type Message struct {
	PGN         PGN
	Data        []byte
	Source      uint8
	Destination uint8
	Priority    uint8
	Timestamp   time.Time
}

// ClaimState is the lifecycle state of an internal control function's address-claim
// attempt (spec.md §3).
type ClaimState uint8

const (
	ClaimStateNone ClaimState = iota
	ClaimStateWaitForClaim
	ClaimStateSendRequest
	ClaimStateWaitForContest
	ClaimStateSendClaim
	ClaimStateClaimed
	ClaimStateFailed
)

func (s ClaimState) String() string {
	switch s {
	case ClaimStateNone:
		return "None"
	case ClaimStateWaitForClaim:
		return "WaitForClaim"
	case ClaimStateSendRequest:
		return "SendRequest"
	case ClaimStateWaitForContest:
		return "WaitForContest"
	case ClaimStateSendClaim:
		return "SendClaim"
	case ClaimStateClaimed:
		return "Claimed"
	case ClaimStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ControlFunction is a participant on the bus (spec.md §3). InternalCF and PartnerCF are
// the two concrete implementations; the interface lets the network manager route traffic
// without caring which kind it is addressing.
type ControlFunction interface {
	Name() NAME
	Address() uint8
	Port() uint8
}

// InternalCF is a control function owned by this node: it has a NAME, a preferred
// address, a current address, and drives an address-claim state machine.
type InternalCF struct {
	name              NAME
	preferredAddress  uint8
	currentAddress    uint8
	claimAttempted    bool
	state             ClaimState
	port              uint8
}

// NewInternalCF creates an internal control function in ClaimStateNone, not yet claiming.
func NewInternalCF(name NAME, port uint8, preferredAddress uint8) *InternalCF {
	return &InternalCF{
		name:             name,
		preferredAddress: preferredAddress,
		currentAddress:   NullAddress,
		port:             port,
		state:            ClaimStateNone,
	}
}

func (cf *InternalCF) Name() NAME   { return cf.name }
func (cf *InternalCF) Port() uint8  { return cf.port }
func (cf *InternalCF) Address() uint8 {
	return cf.currentAddress
}

// PreferredAddress is the address this CF attempts to claim first.
func (cf *InternalCF) PreferredAddress() uint8 { return cf.preferredAddress }

// State returns the current claim state.
func (cf *InternalCF) State() ClaimState { return cf.state }

// IsConnected reports whether the CF currently holds a valid claimed address.
func (cf *InternalCF) IsConnected() bool {
	return cf.state == ClaimStateClaimed && cf.currentAddress <= MaxAddress
}

// SyncClaim updates the CF's claim state and address to match its Claimer. The network
// manager calls this from the Claimer's OnStateChange hook so InternalCF always reflects
// the state machine driving it, without InternalCF depending on the claim package.
func (cf *InternalCF) SyncClaim(state ClaimState, address uint8) {
	cf.state = state
	cf.currentAddress = address
}

// NAMEFilter matches partner control functions by NAME. A nil field means "don't care";
// only the non-nil fields participate in the comparison, mirroring how
// the teacher's address mapper matched nodes by NAME equality but generalized to partial
// filters (a partner CF is usually identified by function + industry group, not full NAME).
type NAMEFilter struct {
	IdentityNumber   *uint32
	ManufacturerCode *uint16
	Function         *uint8
	VehicleSystem    *uint8
	IndustryGroup    *uint8
}

// Matches reports whether name satisfies every non-nil field of the filter.
func (f NAMEFilter) Matches(name NAME) bool {
	if f.IdentityNumber != nil && *f.IdentityNumber != name.IdentityNumber {
		return false
	}
	if f.ManufacturerCode != nil && *f.ManufacturerCode != name.ManufacturerCode {
		return false
	}
	if f.Function != nil && *f.Function != name.Function {
		return false
	}
	if f.VehicleSystem != nil && *f.VehicleSystem != name.VehicleSystem {
		return false
	}
	if f.IndustryGroup != nil && *f.IndustryGroup != name.IndustryGroup {
		return false
	}
	return true
}

// PartnerCF is a remote peer identified by a NAMEFilter; its address is learned by
// observing address claims on the bus, not driven by a local state machine.
type PartnerCF struct {
	Filter  NAMEFilter
	name    NAME
	address uint8
	port    uint8
	known   bool
}

// NewPartnerCF creates a partner control function that will be matched against observed
// NAME claims using filter.
func NewPartnerCF(port uint8, filter NAMEFilter) *PartnerCF {
	return &PartnerCF{Filter: filter, address: NullAddress, port: port}
}

func (p *PartnerCF) Name() NAME    { return p.name }
func (p *PartnerCF) Address() uint8 { return p.address }
func (p *PartnerCF) Port() uint8   { return p.port }

// Known reports whether this partner has been matched to an observed NAME/address yet.
func (p *PartnerCF) Known() bool { return p.known }

// ResolveTo records that name has been observed claiming address, making this partner
// known. Called by the network manager's partner registry as Address Claimed traffic is
// observed on the bus.
func (p *PartnerCF) ResolveTo(name NAME, address uint8) {
	p.name = name
	p.address = address
	p.known = true
}
