package isobus_test

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeIdentifier_RoundTrip_PDU1(t *testing.T) {
	id := isobus.EncodeIdentifier(6, isobus.PGNRequest, 0x28, 0x0A)
	got := isobus.DecodeIdentifier(id)

	assert.Equal(t, uint8(6), got.Priority)
	assert.Equal(t, isobus.PGNRequest, got.PGN)
	assert.Equal(t, uint8(0x28), got.Source)
	assert.Equal(t, uint8(0x0A), got.Destination)
}

func TestEncodeDecodeIdentifier_RoundTrip_PDU2(t *testing.T) {
	pgn := isobus.PGN(0x01FF00 + 0x34) // PDU2, PF=0xFF, PS=0x34 group extension
	id := isobus.EncodeIdentifier(3, pgn, 0x15, 0x99 /* ignored, broadcast */)
	got := isobus.DecodeIdentifier(id)

	assert.Equal(t, uint8(3), got.Priority)
	assert.Equal(t, pgn, got.PGN)
	assert.Equal(t, uint8(0x15), got.Source)
	assert.Equal(t, isobus.BroadcastAddress, got.Destination, "PDU2 destination must always report broadcast")
}

func TestPGN_IsPDU2(t *testing.T) {
	assert.False(t, isobus.PGNRequest.IsPDU2())
	assert.False(t, isobus.PGNAddressClaimed.IsPDU2())
	assert.True(t, isobus.PGN(0x01FF00).IsPDU2())
}

func TestNewFrame_PadsWithFF(t *testing.T) {
	f := isobus.NewFrame(isobus.Identifier{}, []byte{1, 2, 3})
	assert.Equal(t, uint8(3), f.Length)
	assert.Equal(t, []byte{1, 2, 3, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, f.Bytes())
}

func TestEncodeDecodeIdentifier_ExhaustivePriorityAndAddresses(t *testing.T) {
	for _, priority := range []uint8{0, 1, 7} {
		for _, src := range []uint8{0, 1, 0x80, 253} {
			for _, dst := range []uint8{0, 0x20, 0xFE} {
				id := isobus.EncodeIdentifier(priority, isobus.PGNAddressClaimed, src, dst)
				got := isobus.DecodeIdentifier(id)
				assert.Equal(t, priority, got.Priority)
				assert.Equal(t, src, got.Source)
				assert.Equal(t, dst, got.Destination)
			}
		}
	}
}
