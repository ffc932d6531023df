package actisense

import (
	"errors"
	"testing"

	"github.com/openisobus/isobus"
	test_test "github.com/openisobus/isobus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteReads splits raw into single-byte ReadResults, matching the one-byte-per-call
// contract Device.Recv relies on against a real serial port.
func byteReads(raw []byte) []test_test.ReadResult {
	reads := make([]test_test.ReadResult, len(raw))
	for i, b := range raw {
		reads[i] = test_test.ReadResult{Read: []byte{b}}
	}
	return reads
}

func TestDevice_RecvDecodesGoldenFrameFromScriptedPort(t *testing.T) {
	raw := test_test.LoadBytes(t, "ngt1_golden_frame.bin")
	port := &test_test.MockReaderWriter{Reads: byteReads(raw)}
	d := NewDevice(port, "golden")

	var frame isobus.Frame
	var got bool
	for i := 0; i < len(raw); i++ {
		f, err := d.Recv()
		if errors.Is(err, isobus.ErrNoFrame) {
			continue
		}
		require.NoError(t, err)
		frame, got = f, true
		break
	}

	require.True(t, got, "golden fixture did not decode a frame")
	assert.Equal(t, uint8(6), frame.ID.Priority)
	assert.Equal(t, isobus.PGNRequest, frame.ID.PGN)
	assert.Equal(t, uint8(0x1D), frame.ID.Destination)
	assert.Equal(t, uint8(0x28), frame.ID.Source)
	assert.Equal(t, []byte{1, 2, 3}, frame.Data[:3])
}
