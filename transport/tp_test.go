package transport_test

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/openisobus/isobus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTP_BAM_RoundTrip(t *testing.T) {
	tx := transport.NewTP(nil)
	rx := transport.NewTP(nil)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	frames, err := tx.Send(0x10, isobus.BroadcastAddress, 6, isobus.PGN(0xFF00), payload)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, isobus.PGNTPConnectionManagement, frames[0].ID.PGN)

	var msg *isobus.Message
	for _, f := range frames {
		_, m, err := rx.HandleFrame(f.ID, f.Bytes())
		require.NoError(t, err)
		if m != nil {
			msg = m
		}
	}
	require.Nil(t, msg)

	// Pace out the 3 DT frames; each tick should be >=50ms apart.
	var sawFrame bool
	for i := 0; i < 20 && msg == nil; i++ {
		dtFrames := tx.Update(10)
		for _, f := range dtFrames {
			sawFrame = true
			assert.Equal(t, isobus.PGNTPDataTransfer, f.ID.PGN)
			_, m, err := rx.HandleFrame(f.ID, f.Bytes())
			require.NoError(t, err)
			if m != nil {
				msg = m
			}
		}
	}
	assert.True(t, sawFrame)
	require.NotNil(t, msg)
	assert.Equal(t, payload, msg.Data)
	assert.Equal(t, uint8(0x10), msg.Source)
}

func TestTP_ConnectionMode_RoundTrip(t *testing.T) {
	tx := transport.NewTP(nil)
	rx := transport.NewTP(nil)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}

	frames, err := tx.Send(0x10, 0x20, 6, isobus.PGN(0xFF01), payload)
	require.NoError(t, err)
	require.Len(t, frames, 1) // RTS

	ctsFrames, _, err := rx.HandleFrame(frames[0].ID, frames[0].Bytes())
	require.NoError(t, err)
	require.Len(t, ctsFrames, 1)
	assert.Equal(t, isobus.PGNTPConnectionManagement, ctsFrames[0].ID.PGN)

	dtFrames, _, err := tx.HandleFrame(ctsFrames[0].ID, ctsFrames[0].Bytes())
	require.NoError(t, err)
	assert.NotEmpty(t, dtFrames)

	var msg *isobus.Message
	for _, f := range dtFrames {
		out, m, err := rx.HandleFrame(f.ID, f.Bytes())
		require.NoError(t, err)
		if m != nil {
			msg = m
		}
		for _, o := range out {
			_, _, err := tx.HandleFrame(o.ID, o.Bytes())
			require.NoError(t, err)
		}
	}
	require.NotNil(t, msg)
	assert.Equal(t, payload, msg.Data)
}

func TestTP_Send_RejectsOversizedPayload(t *testing.T) {
	tx := transport.NewTP(nil)
	_, err := tx.Send(0x10, 0x20, 6, isobus.PGN(0xFF01), make([]byte, transport.MaxPayload+1))
	require.Error(t, err)
	assert.Equal(t, isobus.KindInvalidData, isobus.KindOf(err))
}

func TestTP_Abort_OnBadSequence(t *testing.T) {
	tx := transport.NewTP(nil)
	rx := transport.NewTP(nil)

	payload := make([]byte, 40)
	frames, err := tx.Send(0x10, 0x20, 6, isobus.PGN(0xFF01), payload)
	require.NoError(t, err)

	ctsFrames, _, err := rx.HandleFrame(frames[0].ID, frames[0].Bytes())
	require.NoError(t, err)

	dtFrames, _, err := tx.HandleFrame(ctsFrames[0].ID, ctsFrames[0].Bytes())
	require.NoError(t, err)
	require.NotEmpty(t, dtFrames)

	// Skip ahead and feed the last DT frame first, out of order.
	bad := dtFrames[len(dtFrames)-1]
	out, msg, err := rx.HandleFrame(bad.ID, bad.Bytes())
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Len(t, out, 1)
	assert.Equal(t, isobus.PGNTPConnectionManagement, out[0].ID.PGN)
	assert.Equal(t, uint8(0xFF), out[0].Data[0])
}
