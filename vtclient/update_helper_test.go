package vtclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedClient(t *testing.T, sent *[]sentFrame, tracker *StateTracker) *Client {
	t.Helper()
	opts := []Option{}
	if tracker != nil {
		opts = append(opts, WithStateTracker(tracker))
	}
	c := New(ourAddr, recordingSend(sent), opts...)
	require.NoError(t, c.Connect(testPool()))
	_, _ = c.HandleFrame(vtAddr, vtStatusFrame(ourAddr, 3))
	_, _ = c.Update(0)
	_, _ = c.Update(0)
	_, _ = c.HandleFrame(vtAddr, []byte{funcGetMemory, 0, 0, 0, 0, 0, 0, 0})
	_, _ = c.HandleFrame(vtAddr, []byte{funcEndOfPool, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.Equal(t, StateConnected, c.State())
	return c
}

func TestUpdateHelper_DropsRedundantNumericValue(t *testing.T) {
	var sent []sentFrame
	tracker := NewStateTracker()
	c := connectedClient(t, &sent, tracker)
	u := NewUpdateHelper(c, tracker)

	_, err := u.SetNumericValue(10, 42)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	_, err = u.SetNumericValue(10, 42)
	require.NoError(t, err)
	assert.Len(t, sent, 1, "unchanged value must not re-send")

	_, err = u.SetNumericValue(10, 43)
	require.NoError(t, err)
	assert.Len(t, sent, 2)
}

func TestUpdateHelper_DropsRedundantVisibility(t *testing.T) {
	var sent []sentFrame
	tracker := NewStateTracker()
	c := connectedClient(t, &sent, tracker)
	u := NewUpdateHelper(c, tracker)

	_, err := u.SetVisible(5, false)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	_, err = u.SetVisible(5, false)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestUpdateHelper_BatchCoalescesFramesUntilEndBatch(t *testing.T) {
	var sent []sentFrame
	tracker := NewStateTracker()
	c := connectedClient(t, &sent, tracker)
	u := NewUpdateHelper(c, tracker)

	u.BeginBatch()
	_, err := u.SetNumericValue(1, 100)
	require.NoError(t, err)
	_, err = u.SetVisible(2, true)
	require.NoError(t, err)
	assert.Empty(t, sent, "batched commands must not send until EndBatch")

	frames, err := u.EndBatch()
	require.NoError(t, err)
	assert.Len(t, sent, 2)
	assert.Len(t, frames, 2)

	v, ok := tracker.NumericValue(1)
	require.True(t, ok)
	assert.Equal(t, uint32(100), v)
}
