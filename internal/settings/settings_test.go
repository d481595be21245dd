package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/common/config"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	cfg.Server.BindMode = "loopback"
	cfg.Auth.Mode = "open"
	return cfg
}

func TestNewSeedsDesiredEqualToEffective(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	snap := mgr.GetSnapshot()
	assert.Equal(t, snap.Effective, snap.Desired)
	assert.False(t, snap.RestartRequired)
	assert.Equal(t, SecurityBalanced, snap.Effective.SecurityPolicy)
	assert.Equal(t, OperationNormal, snap.Effective.OperationMode)
}

func TestApplyPortChangeRequiresRestart(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	newPort := 9090
	snap, err := mgr.Apply(Patch{Port: &newPort})
	require.NoError(t, err)
	assert.Equal(t, 9090, snap.Desired.Port)
	assert.True(t, snap.RestartRequired)
}

func TestApplyBindModeNormalizesHost(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	allMode := BindAll
	snap, err := mgr.Apply(Patch{BindMode: &allMode})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", snap.Desired.Host)
}

func TestApplyRotateTokenSwitchesToTokenAuth(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	snap, err := mgr.Apply(Patch{RotateToken: true})
	require.NoError(t, err)
	assert.Equal(t, AuthToken, snap.Desired.AuthMode)
	assert.NotEmpty(t, snap.Desired.Token)
	assert.True(t, snap.RestartRequired)
}

func TestApplyOperationModeDoesNotRequireRestart(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	drain := OperationDrain
	reason := "scheduled maintenance"
	snap, err := mgr.Apply(Patch{OperationMode: &drain, OperationReason: &reason})
	require.NoError(t, err)
	assert.False(t, snap.RestartRequired)
	assert.Equal(t, OperationDrain, mgr.OperationMode())
}

func TestAdmitNewWorkRespectsOperationMode(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	ok, reason := mgr.AdmitNewWork()
	assert.True(t, ok)
	assert.Empty(t, reason)

	paused := OperationPaused
	why := "incident response"
	_, err := mgr.Apply(Patch{OperationMode: &paused, OperationReason: &why})
	require.NoError(t, err)

	ok, reason = mgr.AdmitNewWork()
	assert.False(t, ok)
	assert.Contains(t, reason, "incident response")
}

func TestAdmitScheduledDispatchBlocksOutsideNormalMode(t *testing.T) {
	mgr := New(newTestConfig(), nil, nil)
	assert.True(t, mgr.AdmitScheduledDispatch())

	drain := OperationDrain
	_, err := mgr.Apply(Patch{OperationMode: &drain})
	require.NoError(t, err)
	assert.False(t, mgr.AdmitScheduledDispatch())
}
