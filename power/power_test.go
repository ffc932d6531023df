package power

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_KeyOffEntersShutdownPending(t *testing.T) {
	m := New()
	m.KeyOff()
	assert.Equal(t, StateShutdownPending, m.State())
}

func TestManager_PowerOffAfterMinimumHoldWithNoMaintainRequest(t *testing.T) {
	m := New()
	m.KeyOff()
	m.Update(minimumHoldMillis + 1)
	assert.Equal(t, StatePowerOff, m.State())
}

func TestManager_MaintainingWhenRequestIsFresh(t *testing.T) {
	m := New()
	m.KeyOff()
	m.MaintainPower()
	m.Update(minimumHoldMillis + 1)
	assert.Equal(t, StateMaintaining, m.State())
}

func TestManager_MaintainingFallsToPowerOffWhenRequestsStop(t *testing.T) {
	m := New()
	m.KeyOff()
	m.MaintainPower()
	m.Update(minimumHoldMillis + 1)
	require.Equal(t, StateMaintaining, m.State())

	m.Update(maintainFreshnessMillis + 1)
	assert.Equal(t, StatePowerOff, m.State())
}

func TestManager_MaintainingForcedOffAfterMaxExtension(t *testing.T) {
	m := New()
	m.KeyOff()
	m.MaintainPower()
	m.Update(minimumHoldMillis + 1)
	require.Equal(t, StateMaintaining, m.State())

	for i := 0; i < 200; i++ {
		m.MaintainPower()
		m.Update(MaintainRepeatMillis)
	}
	assert.Equal(t, StatePowerOff, m.State())
}

func TestManager_KeyOnReturnsToRunning(t *testing.T) {
	m := New()
	m.KeyOff()
	m.Update(minimumHoldMillis + 1)
	require.Equal(t, StatePowerOff, m.State())

	m.KeyOn()
	assert.Equal(t, StateRunning, m.State())
}
