package app

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
)

func TestRegisterSendsConnectionEstablishedOnlyToNewHandle(t *testing.T) {
	reg := NewRegistry()
	cam, camConn := newTestHandle(domain.RoleCamera, "cam1", "")
	viewer, viewerConn := newTestHandle(domain.RoleViewer, "cam1", "u1")

	require.True(t, reg.Register(cam))
	require.True(t, reg.Register(viewer))

	assert.Len(t, camConn.ofType(t, "connection_established"), 1)
	got := viewerConn.ofType(t, "connection_established")
	require.Len(t, got, 1)
	assert.Equal(t, "cam1", got[0]["device_id"])
	assert.NotEmpty(t, got[0]["timestamp"])
}

func TestRegisterTwiceIsNoop(t *testing.T) {
	reg := NewRegistry()
	h, conn := newTestHandle(domain.RoleCamera, "cam1", "u1")

	require.True(t, reg.Register(h))
	require.False(t, reg.Register(h))

	assert.Equal(t, 1, reg.DeviceConnectionCount("cam1"))
	assert.Equal(t, 1, reg.UserConnectionCount("u1"))
	assert.Len(t, conn.messages(t), 1)
}

func TestUnregisterIsIdempotentAndPrunes(t *testing.T) {
	reg := NewRegistry()
	cam, _ := newTestHandle(domain.RoleCamera, "cam1", "")
	viewer, _ := newTestHandle(domain.RoleViewer, "cam1", "u1")
	reg.Register(cam)
	reg.Register(viewer)

	reg.Unregister(cam)
	assert.Equal(t, 1, reg.DeviceConnectionCount("cam1"))
	assert.True(t, reg.IsDeviceOnline("cam1"))

	reg.Unregister(cam)
	assert.Equal(t, 1, reg.DeviceConnectionCount("cam1"))

	reg.Unregister(viewer)
	reg.Unregister(viewer)
	assert.Equal(t, 0, reg.DeviceConnectionCount("cam1"))
	assert.False(t, reg.IsDeviceOnline("cam1"))
	assert.Equal(t, 0, reg.UserConnectionCount("u1"))
	assert.Equal(t, 0, reg.ActiveDeviceCount())
	assert.Equal(t, 0, reg.ActiveUserCount())
	assert.Equal(t, 0, reg.TotalConnectionCount())

	// No residual empty set in any shard.
	for _, s := range reg.devices.shards {
		assert.Empty(t, s.sets)
	}
	for _, s := range reg.users.shards {
		assert.Empty(t, s.sets)
	}
}

func TestUnregisterUnknownHandle(t *testing.T) {
	reg := NewRegistry()
	h, _ := newTestHandle(domain.RoleViewer, "nobody", "ghost")
	assert.NotPanics(t, func() { reg.Unregister(h) })
	assert.Equal(t, 0, reg.TotalConnectionCount())
}

func TestSendToDeviceFansOut(t *testing.T) {
	reg := NewRegistry()
	cam, camConn := newTestHandle(domain.RoleCamera, "cam1", "")
	viewer, viewerConn := newTestHandle(domain.RoleViewer, "cam1", "")
	other, otherConn := newTestHandle(domain.RoleCamera, "cam2", "")
	reg.Register(cam)
	reg.Register(viewer)
	reg.Register(other)

	report := reg.SendToDevice("cam1", domain.NewStatusUpdate("cam1", "sleeping", nil))
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Failures)

	assert.Len(t, camConn.ofType(t, "status_update"), 1)
	assert.Len(t, viewerConn.ofType(t, "status_update"), 1)
	assert.Empty(t, otherConn.ofType(t, "status_update"))
}

func TestSendToUnknownDeviceIsNoop(t *testing.T) {
	reg := NewRegistry()
	report := reg.SendToDevice("missing", domain.NewHeartbeatResponse("missing", nil))
	assert.Equal(t, core.DeliveryReport{}, report)
}

func TestPartialFailureDoesNotStopFanOut(t *testing.T) {
	reg := NewRegistry()
	good1, good1Conn := newTestHandle(domain.RoleViewer, "cam1", "")
	bad, badConn := newTestHandle(domain.RoleViewer, "cam1", "")
	good2, good2Conn := newTestHandle(domain.RoleCamera, "cam1", "")
	reg.Register(good1)
	reg.Register(bad)
	reg.Register(good2)

	boom := errors.New("broken pipe")
	badConn.fail = boom

	report := reg.SendToDevice("cam1", domain.NewHeartbeatResponse("cam1", 1))
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, bad.ID(), report.Failures[0].Handle)
	assert.ErrorIs(t, report.Failures[0].Err, boom)

	assert.Len(t, good1Conn.ofType(t, "heartbeat_response"), 1)
	assert.Len(t, good2Conn.ofType(t, "heartbeat_response"), 1)
	assert.False(t, bad.Kicked())
}

func TestDisconnectPolicyKicksSlowConnection(t *testing.T) {
	reg := NewRegistry(WithPolicy(DisconnectSlowPolicy{}))
	slow, slowConn := newTestHandle(domain.RoleViewer, "cam1", "")
	slowConn.limit = 1 // room for connection_established only
	reg.Register(slow)

	report := reg.SendToDevice("cam1", domain.NewHeartbeatResponse("cam1", 1))
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0].Err, core.ErrBackpressure)
	assert.True(t, slow.Kicked())

	// The registry never drops the entry itself; the session does.
	assert.Equal(t, 1, reg.DeviceConnectionCount("cam1"))
}

func TestSendToUser(t *testing.T) {
	reg := NewRegistry()
	a, aConn := newTestHandle(domain.RoleViewer, "cam1", "alice")
	b, bConn := newTestHandle(domain.RoleViewer, "cam2", "alice")
	c, cConn := newTestHandle(domain.RoleViewer, "cam1", "bob")
	reg.Register(a)
	reg.Register(b)
	reg.Register(c)

	report := reg.SendToUser("alice", domain.NewControlCommand("refresh", nil))
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, aConn.ofType(t, "control_command"), 1)
	assert.Len(t, bConn.ofType(t, "control_command"), 1)
	assert.Empty(t, cConn.ofType(t, "control_command"))
	assert.Equal(t, 2, reg.UserConnectionCount("alice"))
}

func TestBroadcastAllDeliversOncePerHandle(t *testing.T) {
	reg := NewRegistry()
	both, bothConn := newTestHandle(domain.RoleViewer, "cam1", "alice")
	devOnly, devConn := newTestHandle(domain.RoleCamera, "cam2", "")
	reg.Register(both)
	reg.Register(devOnly)

	report := reg.BroadcastAll(domain.NewControlCommand("reboot", nil))
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, bothConn.ofType(t, "control_command"), 1)
	assert.Len(t, devConn.ofType(t, "control_command"), 1)
}

func TestStats(t *testing.T) {
	reg := NewRegistry(WithShards(4))
	h1, _ := newTestHandle(domain.RoleCamera, "cam1", "alice")
	h2, _ := newTestHandle(domain.RoleViewer, "cam1", "alice")
	h3, _ := newTestHandle(domain.RoleViewer, "cam2", "")
	reg.Register(h1)
	reg.Register(h2)
	reg.Register(h3)

	assert.Equal(t, Stats{TotalConnections: 3, ActiveDevices: 2, ActiveUsers: 1}, reg.Stats())
}

// Random register/unregister sequences keep the count equal to the live set.
func TestCountMatchesLiveHandles(t *testing.T) {
	reg := NewRegistry(WithShards(3))
	rng := rand.New(rand.NewSource(7))
	devices := []domain.DeviceID{"a", "b", "c", "d"}

	live := map[domain.DeviceID]map[*Handle]bool{}
	var all []*Handle
	for i := 0; i < 500; i++ {
		if len(all) == 0 || rng.Intn(3) > 0 {
			d := devices[rng.Intn(len(devices))]
			h, _ := newTestHandle(domain.RoleViewer, d, "")
			reg.Register(h)
			all = append(all, h)
			if live[d] == nil {
				live[d] = map[*Handle]bool{}
			}
			live[d][h] = true
		} else {
			h := all[rng.Intn(len(all))]
			reg.Unregister(h)
			delete(live[h.DeviceID()], h)
		}
		for _, d := range devices {
			assert.Equal(t, len(live[d]), reg.DeviceConnectionCount(d))
			assert.Equal(t, len(live[d]) > 0, reg.IsDeviceOnline(d))
		}
	}
}

func TestConcurrentRegisterAndSend(t *testing.T) {
	reg := NewRegistry()
	const workers = 32

	var wg conc.WaitGroup
	for i := 0; i < workers; i++ {
		device := domain.DeviceID(fmt.Sprintf("cam%d", i%4))
		wg.Go(func() {
			for j := 0; j < 50; j++ {
				h, _ := newTestHandle(domain.RoleViewer, device, "")
				reg.Register(h)
				reg.SendToDevice(device, domain.NewHeartbeatResponse(device, j))
				reg.BroadcastAll(domain.NewControlCommand("noop", nil))
				_ = reg.Stats()
				reg.Unregister(h)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 0, reg.TotalConnectionCount())
	assert.Equal(t, 0, reg.ActiveDeviceCount())
}
