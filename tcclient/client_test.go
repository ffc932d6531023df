package tcclient

import (
	"encoding/binary"
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ourAddr = 0x81
const tcAddr = 0x27

func testDDOP() DDOP {
	return DDOP{
		{ID: 0, Type: NodeTypeDevice, Children: []uint16{1}},
		{ID: 1, Type: NodeTypeDeviceElement},
	}
}

type sentFrame struct {
	data        []byte
	destination uint8
}

func recordingSend(sent *[]sentFrame) SendFunc {
	return func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error) {
		*sent = append(*sent, sentFrame{data: append([]byte(nil), data...), destination: destination})
		id := isobus.Identifier{Priority: priority, PGN: pgn, Source: ourAddr, Destination: destination}
		return []isobus.Frame{isobus.NewFrame(id, data)}, nil
	}
}

func driveHandshake(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(testDDOP()))

	_, err := c.HandleFrame(tcAddr, []byte{funcServerStatus, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, StateSendWorkingSetMaster, c.State())

	_, err = c.Update(0)
	require.NoError(t, err)
	require.Equal(t, StateRequestVersion, c.State())

	_, err = c.Update(0)
	require.NoError(t, err)
	require.Equal(t, StateWaitForVersion, c.State())

	_, err = c.HandleFrame(tcAddr, []byte{funcVersionResponse, 4, 2, 6, 0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, StateTransferDDOP, c.State())

	_, err = c.Update(0)
	require.NoError(t, err)
	require.Equal(t, StateWaitForPoolResponse, c.State())

	_, err = c.HandleFrame(tcAddr, []byte{funcObjectPoolResponse, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, StateActivatePool, c.State())

	_, err = c.Update(0)
	require.NoError(t, err)
	require.Equal(t, StateWaitForActivation, c.State())

	_, err = c.HandleFrame(tcAddr, []byte{funcActivateResponse, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, StateConnected, c.State())
}

func TestClient_HandshakeRunsThroughToConnected(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))
	driveHandshake(t, c)

	var sawDDOP bool
	for _, s := range sent {
		if len(s.data) > 0 && s.data[0] == funcObjectPoolTransfer {
			sawDDOP = true
		}
	}
	assert.True(t, sawDDOP)
}

func TestClient_PoolResponseErrorDisconnects(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))
	require.NoError(t, c.Connect(testDDOP()))

	_, _ = c.HandleFrame(tcAddr, []byte{funcServerStatus, 0, 0, 0, 0, 0, 0, 0})
	_, _ = c.Update(0)
	_, _ = c.Update(0)
	_, _ = c.HandleFrame(tcAddr, []byte{funcVersionResponse, 4, 2, 6, 0, 0, 0, 0})
	_, _ = c.Update(0)
	require.Equal(t, StateWaitForPoolResponse, c.State())

	_, err := c.HandleFrame(tcAddr, []byte{funcObjectPoolResponse, 1, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_HandshakeTimesOutWhenServerNeverResponds(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent), WithTimeout(100))
	require.NoError(t, c.Connect(testDDOP()))

	_, err := c.Update(150)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ValueRequestDelegatesToCallback(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))
	c.OnValue = func(element, ddi uint16) uint32 { return 12345 }
	driveHandshake(t, c)

	sent = nil
	frame := packValueFrame(cmdRequestValue, 7, 0x00A0)
	req := append(frame[:], 0, 0, 0, 0)
	_, err := c.HandleFrame(tcAddr, req)
	require.NoError(t, err)

	require.Len(t, sent, 1)
	assert.Equal(t, cmdValue, valueFrameCommand(sent[0].data[0]))
	assert.Equal(t, uint16(7), unpackElement(sent[0].data[0], sent[0].data[1]))
	assert.Equal(t, uint32(12345), binary.LittleEndian.Uint32(sent[0].data[4:8]))
}

func TestClient_SetValueDelegatesToCallback(t *testing.T) {
	var sent []sentFrame
	c := New(ourAddr, recordingSend(&sent))

	var gotElement, gotDDI uint16
	var gotValue uint32
	c.OnSetValue = func(element, ddi uint16, value uint32) {
		gotElement, gotDDI, gotValue = element, ddi, value
	}
	driveHandshake(t, c)

	frame := packValueFrame(cmdSetValue, 3, 0x0050)
	var body [8]byte
	copy(body[0:4], frame[:])
	binary.LittleEndian.PutUint32(body[4:8], 999)

	_, err := c.HandleFrame(tcAddr, body[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(3), gotElement)
	assert.Equal(t, uint16(0x0050), gotDDI)
	assert.Equal(t, uint32(999), gotValue)
}
