package network

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartnerRegistry_ResolvesOnObservedClaim(t *testing.T) {
	r := NewPartnerRegistry()
	fn := uint8(130)
	p := isobus.NewPartnerCF(1, isobus.NAMEFilter{Function: &fn})
	r.Register(p)
	require.False(t, p.Known())

	r.ObserveClaim(0x20, isobus.NAME{Function: 130, IdentityNumber: 5})

	assert.True(t, p.Known())
	assert.Equal(t, uint8(0x20), p.Address())
}

func TestPartnerRegistry_RegisterAfterClaimResolvesImmediately(t *testing.T) {
	r := NewPartnerRegistry()
	r.ObserveClaim(0x20, isobus.NAME{Function: 130})

	fn := uint8(130)
	p := isobus.NewPartnerCF(1, isobus.NAMEFilter{Function: &fn})
	r.Register(p)

	assert.True(t, p.Known())
	assert.Equal(t, uint8(0x20), p.Address())
}

func TestPartnerRegistry_LowerNAMEKeepsSlot(t *testing.T) {
	r := NewPartnerRegistry()
	lower := isobus.NAME{IdentityNumber: 1}
	higher := isobus.NAME{IdentityNumber: 2}

	r.ObserveClaim(0x20, lower)
	r.ObserveClaim(0x20, higher) // must not usurp the lower NAME already resident

	p := isobus.NewPartnerCF(1, isobus.NAMEFilter{IdentityNumber: ptrU32(1)})
	r.Register(p)
	assert.True(t, p.Known())
}

func ptrU32(v uint32) *uint32 { return &v }
