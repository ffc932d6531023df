package network

import "github.com/openisobus/isobus"

// partnerSlot tracks which NAME currently occupies an address on the bus, mirroring
// addressmapper.AddressMapper's busSlot/lower-NAME-wins reassignment, generalized from
// passive NMEA2000 bus mapping to actively NAME-filtered ISOBUS partner discovery.
type partnerSlot struct {
	name    isobus.NAME
	address uint8
	valid   bool
}

// PartnerRegistry observes Address Claimed traffic and resolves registered PartnerCFs
// (identified by NAMEFilter) to the address currently holding a matching NAME.
type PartnerRegistry struct {
	partners []*isobus.PartnerCF
	slots    [256]partnerSlot
}

// NewPartnerRegistry creates an empty partner registry.
func NewPartnerRegistry() *PartnerRegistry {
	return &PartnerRegistry{}
}

// Register adds a partner to be resolved against future (and already-seen) claims.
func (r *PartnerRegistry) Register(p *isobus.PartnerCF) {
	r.partners = append(r.partners, p)
	for addr, slot := range r.slots {
		if slot.valid && p.Filter.Matches(slot.name) {
			p.ResolveTo(slot.name, uint8(addr))
		}
	}
}

// ObserveClaim folds one Address Claimed frame into the bus map and resolves any
// registered partner whose filter matches the claiming NAME. source must be a real
// address (<=253); address claims at the NULL address carry no slot to occupy.
func (r *PartnerRegistry) ObserveClaim(source uint8, name isobus.NAME) {
	if source > isobus.MaxAddress {
		return
	}
	slot := &r.slots[source]

	// Lower NAME wins the slot, matching the address-claim tie-break rule: a later,
	// numerically-larger claim for the same address does not usurp an existing resident.
	if slot.valid && !name.LessThan(slot.name) && slot.name != name {
		return
	}
	slot.name = name
	slot.address = source
	slot.valid = true

	for _, p := range r.partners {
		if p.Filter.Matches(name) {
			p.ResolveTo(name, source)
		}
	}
}

// ReleaseAddress clears the slot for source, e.g. on Cannot-Claim or address violation
// recovery, so a stale NAME cannot keep matching partners to an address no longer in use.
func (r *PartnerRegistry) ReleaseAddress(source uint8) {
	if source > isobus.MaxAddress {
		return
	}
	r.slots[source] = partnerSlot{}
}
