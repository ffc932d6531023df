package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_StaysNormalWhileFresh(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 500, EscalationMillis: 500})
	s.Update(100)
	assert.Equal(t, StateNormal, s.State())
}

func TestSupervisor_DegradesWhenSourceGoesStale(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 500, EscalationMillis: 500})
	s.Update(600)
	assert.Equal(t, StateDegraded, s.State())
}

func TestSupervisor_RefreshRecoversToNormal(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 500, EscalationMillis: 500})
	s.Update(600)
	require.Equal(t, StateDegraded, s.State())

	s.Refresh("gnss")
	s.Update(10)
	assert.Equal(t, StateNormal, s.State())
}

func TestSupervisor_EscalatesToEmergencyWhenStillStaleAfterEscalationWindow(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 500, EscalationMillis: 500})
	s.Update(600)
	require.Equal(t, StateDegraded, s.State())

	s.Update(501)
	assert.Equal(t, StateEmergency, s.State())
}

func TestSupervisor_SingleLargeUpdateNeverSkipsDegraded(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 100, EscalationMillis: 100})

	s.Update(10000)
	require.Equal(t, StateDegraded, s.State(), "one Update call only transitions Normal->Degraded, never straight to Emergency")

	s.Update(150)
	assert.Equal(t, StateEmergency, s.State())
}

func TestSupervisor_EmergencyIsTerminalUntilReset(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 100, EscalationMillis: 100})
	s.Update(1000)
	require.Equal(t, StateDegraded, s.State())
	s.Update(200)
	require.Equal(t, StateEmergency, s.State())

	s.Refresh("gnss")
	s.Update(10)
	require.Equal(t, StateEmergency, s.State(), "Emergency does not clear on its own")

	s.Reset()
	assert.Equal(t, StateNormal, s.State())
}

func TestSupervisor_ManualTriggerForcesEmergency(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 5000, EscalationMillis: 5000})
	s.TriggerEmergency("operator e-stop")
	assert.Equal(t, StateEmergency, s.State())
}

func TestSupervisor_MultipleSourcesOnlyRecoverWhenAllFresh(t *testing.T) {
	s := New()
	s.RegisterSource("gnss", SourceConfig{MaxAgeMillis: 500, EscalationMillis: 500})
	s.RegisterSource("imu", SourceConfig{MaxAgeMillis: 500, EscalationMillis: 500})
	s.Update(600)
	require.Equal(t, StateDegraded, s.State())

	s.Refresh("gnss")
	s.Update(10)
	assert.Equal(t, StateDegraded, s.State(), "imu is still stale")

	s.Refresh("imu")
	s.Update(10)
	assert.Equal(t, StateNormal, s.State())
}
