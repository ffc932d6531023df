package isobus_test

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
)

func TestNAME_RoundTrip(t *testing.T) {
	n := isobus.NAME{
		IdentityNumber:        0x1ABCDE,
		ManufacturerCode:      0x321,
		ECUInstance:           5,
		FunctionInstance:      17,
		Function:              130,
		VehicleSystem:         0x55,
		VehicleSystemInstance: 9,
		IndustryGroup:         2,
		SelfConfigurable:      true,
	}
	got := isobus.DecodeNAME(n.Bytes())
	assert.Equal(t, n, got)
}

func TestNAME_LessThan(t *testing.T) {
	small := isobus.NAME{IdentityNumber: 1}
	big := isobus.NAME{IdentityNumber: 2}
	assert.True(t, small.LessThan(big))
	assert.False(t, big.LessThan(small))
}

func TestNAMEFilter_Matches(t *testing.T) {
	fn := uint8(130)
	filter := isobus.NAMEFilter{Function: &fn}

	assert.True(t, filter.Matches(isobus.NAME{Function: 130}))
	assert.False(t, filter.Matches(isobus.NAME{Function: 131}))
}
