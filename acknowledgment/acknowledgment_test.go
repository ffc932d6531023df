package acknowledgment

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	msg := Message{Control: ControlNegative, GroupFunction: 0xFF, Address: 0x1C, AcknowledgedPGN: isobus.PGNRequest}
	got := Decode(msg.Encode())
	assert.Equal(t, msg, got)
}

func TestDecode_ShortPayloadIsZeroValue(t *testing.T) {
	got := Decode([]byte{1, 2, 3})
	assert.Equal(t, Message{}, got)
}

func TestHandler_SendAckUsesPositiveControl(t *testing.T) {
	var gotPGN isobus.PGN
	var gotData []byte
	var gotDest uint8
	h := New(func(pgn isobus.PGN, data []byte, priority uint8, dest uint8) ([]isobus.Frame, error) {
		gotPGN, gotData, gotDest = pgn, data, dest
		assert.Equal(t, priorityAcknowledgment, priority)
		return nil, nil
	})

	_, err := h.SendAck(isobus.PGNRequest, 0x0A)
	require.NoError(t, err)
	assert.Equal(t, isobus.PGNAcknowledgment, gotPGN)
	assert.Equal(t, uint8(0x0A), gotDest)

	decoded := Decode(gotData)
	assert.Equal(t, ControlPositive, decoded.Control)
	assert.Equal(t, isobus.PGNRequest, decoded.AcknowledgedPGN)
	assert.Equal(t, uint8(0x0A), decoded.Address)
}

func TestHandler_SendVariantsUseExpectedControl(t *testing.T) {
	cases := []struct {
		name string
		send func(*Handler) ([]isobus.Frame, error)
		want Control
	}{
		{"nack", func(h *Handler) ([]isobus.Frame, error) { return h.SendNack(isobus.PGNRequest, 1) }, ControlNegative},
		{"access denied", func(h *Handler) ([]isobus.Frame, error) { return h.SendAccessDenied(isobus.PGNRequest, 1) }, ControlAccessDenied},
		{"cannot respond", func(h *Handler) ([]isobus.Frame, error) { return h.SendCannotRespond(isobus.PGNRequest, 1) }, ControlCannotRespond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotData []byte
			h := New(func(pgn isobus.PGN, data []byte, priority uint8, dest uint8) ([]isobus.Frame, error) {
				gotData = data
				return nil, nil
			})
			_, err := tc.send(h)
			require.NoError(t, err)
			assert.Equal(t, tc.want, Decode(gotData).Control)
		})
	}
}

func TestHandler_HandleFrameInvokesCallback(t *testing.T) {
	h := New(nil)
	var got Message
	var gotSource uint8
	h.OnAcknowledgment = func(msg Message, source uint8) {
		got = msg
		gotSource = source
	}

	msg := Message{Control: ControlAccessDenied, AcknowledgedPGN: isobus.PGNECUToTC, Address: 0x26}
	h.HandleFrame(0x26, msg.Encode())

	assert.Equal(t, ControlAccessDenied, got.Control)
	assert.Equal(t, isobus.PGNECUToTC, got.AcknowledgedPGN)
	assert.Equal(t, uint8(0x26), gotSource)
}

func TestHandler_HandleFrameNoCallbackIsNoop(t *testing.T) {
	h := New(nil)
	assert.NotPanics(t, func() { h.HandleFrame(1, Message{}.Encode()) })
}
