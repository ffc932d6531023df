package vtclient

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ourAddr = 0x80
const vtAddr = 0x26

func testPool() Pool {
	return Pool{
		{ID: 0, Type: ObjectTypeWorkingSet, Children: []uint16{1}},
		{ID: 1, Type: ObjectTypeDataMask},
	}
}

type sentFrame struct {
	pgn         isobus.PGN
	data        []byte
	destination uint8
}

func recordingSend(sent *[]sentFrame) SendFunc {
	return func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error) {
		*sent = append(*sent, sentFrame{pgn: pgn, data: append([]byte(nil), data...), destination: destination})
		id := isobus.Identifier{Priority: priority, PGN: pgn, Source: ourAddr, Destination: destination}
		return []isobus.Frame{isobus.NewFrame(id, data)}, nil
	}
}

func vtStatusFrame(activeMaster uint8, version uint8) []byte {
	return []byte{funcVTStatus, activeMaster, 0, 0, 0, 0, version, 0xFF}
}

func TestClient_HandshakeRunsThroughToConnected(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))

	require.NoError(t, c.Connect(testPool()))
	assert.Equal(t, StateWaitForVTStatus, c.State())

	_, err := c.HandleFrame(vtAddr, vtStatusFrame(ourAddr, 3))
	require.NoError(t, err)
	assert.Equal(t, StateSendWorkingSetMaster, c.State())
	assert.True(t, c.IsActive())

	_, err = c.Update(0)
	require.NoError(t, err)
	assert.Equal(t, StateSendGetMemory, c.State())

	_, err = c.Update(0)
	require.NoError(t, err)
	assert.Equal(t, StateWaitForMemory, c.State())

	_, err = c.HandleFrame(vtAddr, []byte{funcGetMemory, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, StateWaitForPoolActivate, c.State())

	_, err = c.HandleFrame(vtAddr, []byte{funcEndOfPool, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())

	var sawPoolTransfer bool
	for _, s := range sent {
		if len(s.data) > 0 && s.data[0] == funcObjectPoolTransfer {
			sawPoolTransfer = true
		}
	}
	assert.True(t, sawPoolTransfer)
}

func TestClient_GetMemoryErrorDisconnects(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))
	require.NoError(t, c.Connect(testPool()))

	_, _ = c.HandleFrame(vtAddr, vtStatusFrame(0, 3))
	_, _ = c.Update(0)
	_, _ = c.Update(0)
	require.Equal(t, StateWaitForMemory, c.State())

	_, err := c.HandleFrame(vtAddr, []byte{funcGetMemory, 1, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_HandshakeTimesOutWhenVTNeverResponds(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent), WithTimeout(100))
	require.NoError(t, c.Connect(testPool()))

	_, err := c.Update(150)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_CommandsRejectedUntilConnected(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))

	_, err := c.HideShow(1, 1)
	require.Error(t, err)
	assert.Equal(t, isobus.KindInvalidState, isobus.KindOf(err))
}

func TestClient_ActiveWorkingSetTrackingUpdatesIndependentlyOfHandshake(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))
	var transitions int
	c.OnActiveChange = func(active bool) { transitions++ }

	_, _ = c.HandleFrame(vtAddr, vtStatusFrame(0x99, 3))
	assert.False(t, c.IsActive())

	_, _ = c.HandleFrame(vtAddr, vtStatusFrame(ourAddr, 3))
	assert.True(t, c.IsActive())
	assert.Equal(t, 1, transitions)
}

func TestClient_ConnectRejectsInvalidPool(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))

	err := c.Connect(Pool{{ID: 0, Type: 9}})
	require.Error(t, err)
	assert.Equal(t, isobus.KindPoolValidation, isobus.KindOf(err))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_HideShowSendsCommandWhenConnected(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))
	require.NoError(t, c.Connect(testPool()))
	_, _ = c.HandleFrame(vtAddr, vtStatusFrame(ourAddr, 3))
	_, _ = c.Update(0)
	_, _ = c.Update(0)
	_, _ = c.HandleFrame(vtAddr, []byte{funcGetMemory, 0, 0, 0, 0, 0, 0, 0})
	_, _ = c.HandleFrame(vtAddr, []byte{funcEndOfPool, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.Equal(t, StateConnected, c.State())

	sent = nil
	_, err := c.HideShow(42, 1)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, funcHideShow, sent[0].data[0])
	assert.Equal(t, uint8(vtAddr), sent[0].destination)
}
