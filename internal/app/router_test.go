package app

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Monitor/internal/domain"
	"github.com/dkeye/Monitor/internal/metrics"
)

type pair struct {
	reg    *Registry
	router *Router

	cam, viewer         *Handle
	camConn, viewerConn *fakeConn
}

func newPair(t *testing.T) *pair {
	t.Helper()
	reg := NewRegistry()
	p := &pair{reg: reg, router: NewRouter(reg, metrics.New())}
	p.cam, p.camConn = newTestHandle(domain.RoleCamera, "cam1", "")
	p.viewer, p.viewerConn = newTestHandle(domain.RoleViewer, "cam1", "")
	reg.Register(p.cam)
	reg.Register(p.viewer)
	return p
}

func decode(t *testing.T, raw string) domain.Envelope {
	t.Helper()
	env, err := domain.Decode([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestCameraHeartbeatFansOutResponse(t *testing.T) {
	p := newPair(t)

	report, err := p.router.Route(p.cam, decode(t, `{"type":"heartbeat","device_id":"cam1","timestamp":1000}`))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)

	for _, conn := range []*fakeConn{p.camConn, p.viewerConn} {
		got := conn.ofType(t, "heartbeat_response")
		require.Len(t, got, 1)
		assert.Equal(t, "cam1", got[0]["device_id"])
		assert.Equal(t, json.Number("1000").String(), formatNumber(got[0]["timestamp"]))
	}
}

func TestRoutingUsesRegisteredDeviceNotPayload(t *testing.T) {
	p := newPair(t)
	other, otherConn := newTestHandle(domain.RoleCamera, "cam2", "")
	p.reg.Register(other)

	_, err := p.router.Route(p.cam, decode(t, `{"type":"heartbeat","device_id":"cam2","timestamp":1}`))
	require.NoError(t, err)

	assert.Empty(t, otherConn.ofType(t, "heartbeat_response"))
	got := p.viewerConn.ofType(t, "heartbeat_response")
	require.Len(t, got, 1)
	assert.Equal(t, "cam1", got[0]["device_id"])
}

func TestCameraStatusUpdateForwarded(t *testing.T) {
	p := newPair(t)

	_, err := p.router.Route(p.cam, decode(t, `{"type":"status_update","status":"crying","timestamp":42}`))
	require.NoError(t, err)

	got := p.viewerConn.ofType(t, "status_update")
	require.Len(t, got, 1)
	assert.Equal(t, "crying", got[0]["status"])
	assert.Equal(t, "cam1", got[0]["device_id"])
	assert.EqualValues(t, 42, got[0]["timestamp"])
}

func TestCameraVideoFrameIsRecordOnly(t *testing.T) {
	p := newPair(t)
	report, err := p.router.Route(p.cam, decode(t, `{"type":"video_frame","data":"AAAA"}`))
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Len(t, p.viewerConn.messages(t), 1) // connection_established only
}

func TestViewerVideoRequestDefaultsQuality(t *testing.T) {
	p := newPair(t)

	_, err := p.router.Route(p.viewer, decode(t, `{"type":"request_video","request_id":"r1"}`))
	require.NoError(t, err)

	got := p.camConn.ofType(t, "start_video_stream")
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"type": "start_video_stream", "request_id": "r1", "quality": "medium"}, got[0])
}

func TestViewerControlCommand(t *testing.T) {
	p := newPair(t)

	_, err := p.router.Route(p.viewer, decode(t, `{"type":"control_command","command":"pan","parameters":{"deg":15}}`))
	require.NoError(t, err)
	_, err = p.router.Route(p.viewer, decode(t, `{"type":"control_command","command":"lights_off"}`))
	require.NoError(t, err)

	got := p.camConn.ofType(t, "control_command")
	require.Len(t, got, 2)
	assert.Equal(t, "pan", got[0]["command"])
	assert.EqualValues(t, 15, got[0]["parameters"].(map[string]any)["deg"])
	assert.Equal(t, "lights_off", got[1]["command"])
	assert.Equal(t, map[string]any{}, got[1]["parameters"])
}

func TestViewerHeartbeat(t *testing.T) {
	p := newPair(t)
	_, err := p.router.Route(p.viewer, decode(t, `{"type":"heartbeat","timestamp":5}`))
	require.NoError(t, err)
	assert.Len(t, p.camConn.ofType(t, "heartbeat_response"), 1)
	assert.Len(t, p.viewerConn.ofType(t, "heartbeat_response"), 1)
}

func TestUnhandledKindsAreDropped(t *testing.T) {
	p := newPair(t)
	cases := []struct {
		from *Handle
		raw  string
	}{
		{p.cam, `{"type":"request_video","request_id":"r1"}`},
		{p.cam, `{"type":"control_command","command":"pan"}`},
		{p.viewer, `{"type":"status_update","status":"ok"}`},
		{p.viewer, `{"type":"video_frame"}`},
		{p.viewer, `{"type":"self_destruct"}`},
		{p.cam, `{"no_type":true}`},
	}
	for _, c := range cases {
		report, err := p.router.Route(c.from, decode(t, c.raw))
		require.NoError(t, err, c.raw)
		assert.Zero(t, report.Attempted, c.raw)
	}
	assert.Len(t, p.camConn.messages(t), 1)
	assert.Len(t, p.viewerConn.messages(t), 1)
}

func formatNumber(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
