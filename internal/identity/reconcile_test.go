package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func login(id, ip, ua string, active bool, at time.Time) LoginRecord {
	return LoginRecord{SessionID: id, IP: ip, UserAgent: ua, CreatedAt: at, Active: active}
}

func TestReconcileDevices_NewSignatureCreatesUntrustedDevice(t *testing.T) {
	logins := []LoginRecord{login("s1", "10.0.0.1", "ua", true, t0)}

	got := ReconcileDevices(logins, nil)

	require.Len(t, got, 1)
	d := got[0]
	assert.Equal(t, "s1", d.ID)
	assert.Equal(t, "s1", d.ActiveSession)
	assert.True(t, d.Active)
	assert.False(t, d.Trusted)
	assert.Equal(t, t0, d.LastActivity)
	assert.Empty(t, d.PastSessions)
}

func TestReconcileDevices_ReusesDeviceForSameSignature(t *testing.T) {
	devices := []Device{{
		ID: "dev", IP: "10.0.0.1", UserAgent: "ua", Trusted: true,
		PastSessions: []string{"old"},
	}}
	logins := []LoginRecord{login("s2", "10.0.0.1", "ua", true, t0.Add(time.Hour))}

	got := ReconcileDevices(logins, devices)

	require.Len(t, got, 1)
	assert.Equal(t, "dev", got[0].ID)
	assert.Equal(t, "s2", got[0].ActiveSession)
	assert.True(t, got[0].Active)
	assert.True(t, got[0].Trusted, "reconciliation must not change trust")
	assert.Equal(t, t0.Add(time.Hour), got[0].LastActivity)
}

func TestReconcileDevices_StaleBindingGoesInactive(t *testing.T) {
	devices := []Device{
		{ID: "d1", IP: "a", UserAgent: "ua", Active: true, ActiveSession: "gone", Trusted: true},
		{ID: "d2", IP: "b", UserAgent: "ua", Active: true, ActiveSession: ""},
	}
	logins := []LoginRecord{login("gone", "a", "ua", false, t0)}

	got := ReconcileDevices(logins, devices)

	require.Len(t, got, 2)
	assert.False(t, got[0].Active)
	assert.False(t, got[1].Active)
	assert.Equal(t, "gone", got[0].ActiveSession, "the stale sweep only flips the active flag")
}

func TestReconcileDevices_DuplicatesDemoted(t *testing.T) {
	devices := []Device{
		{ID: "d1", IP: "a", UserAgent: "ua"},
		{ID: "d2", IP: "a", UserAgent: "ua", Active: true, ActiveSession: "s1"},
	}
	logins := []LoginRecord{login("s1", "a", "ua", true, t0)}

	got := ReconcileDevices(logins, devices)

	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ActiveSession)
	assert.True(t, got[0].Active)
	assert.False(t, got[1].Active)
	assert.Empty(t, got[1].ActiveSession)
}

func TestReconcileDevices_TwoLoginsSameSignatureShareOneDevice(t *testing.T) {
	logins := []LoginRecord{
		login("s1", "a", "ua", true, t0),
		login("s2", "a", "ua", true, t0.Add(time.Minute)),
	}

	got := ReconcileDevices(logins, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, "s2", got[0].ActiveSession)
}

func TestReconcileDevices_Idempotent(t *testing.T) {
	logins := []LoginRecord{
		login("s1", "a", "ua1", true, t0),
		login("s2", "b", "ua2", false, t0.Add(time.Minute)),
		login("s3", "a", "ua1", true, t0.Add(2*time.Minute)),
		login("s4", "c", "ua3", true, t0.Add(3*time.Minute)),
	}
	devices := []Device{
		{ID: "x", IP: "b", UserAgent: "ua2", Active: true, ActiveSession: "s2", Trusted: true},
		{ID: "y", IP: "a", UserAgent: "ua1"},
		{ID: "z", IP: "a", UserAgent: "ua1", Active: true, ActiveSession: "s1"},
	}

	once := ReconcileDevices(logins, devices)
	twice := ReconcileDevices(logins, once)

	assert.Equal(t, once, twice)
}

func TestReconcileDevices_AtMostOneActivePerSignature(t *testing.T) {
	logins := []LoginRecord{
		login("s1", "a", "ua", true, t0),
		login("s2", "a", "ua", true, t0.Add(time.Minute)),
		login("s3", "b", "ua", true, t0.Add(2*time.Minute)),
	}
	devices := []Device{
		{ID: "d1", IP: "a", UserAgent: "ua", Active: true, ActiveSession: "s1"},
		{ID: "d2", IP: "a", UserAgent: "ua", Active: true, ActiveSession: "s2"},
	}

	got := ReconcileDevices(logins, devices)

	active := map[[2]string]int{}
	for _, d := range got {
		if d.Active {
			active[[2]string{d.IP, d.UserAgent}]++
		}
	}
	for sig, n := range active {
		assert.LessOrEqualf(t, n, 1, "signature %v has %d active devices", sig, n)
	}
}

func TestReconcileDevices_DoesNotMutateInput(t *testing.T) {
	devices := []Device{{ID: "d1", IP: "a", UserAgent: "ua", Active: true, ActiveSession: "gone", PastSessions: []string{"p"}}}
	before := devices[0].clone()

	_ = ReconcileDevices([]LoginRecord{login("s1", "a", "ua", true, t0)}, devices)

	assert.Equal(t, before, devices[0])
}

func TestDedupDevices_PrefersActiveThenLatest(t *testing.T) {
	devices := []Device{
		{ID: "old", IP: "a", UserAgent: "ua", LastActivity: t0},
		{ID: "other", IP: "b", UserAgent: "ua", LastActivity: t0},
		{ID: "newer", IP: "a", UserAgent: "ua", LastActivity: t0.Add(time.Hour)},
		{ID: "live", IP: "b", UserAgent: "ua", LastActivity: t0.Add(-time.Hour), Active: true},
	}

	got := DedupDevices(devices)

	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].ID)
	assert.Equal(t, "live", got[1].ID)
}
