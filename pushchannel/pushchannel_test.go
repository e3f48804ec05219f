package pushchannel

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handle(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	server *httptest.Server
	svc    *syncserver.Service
	hub    *syncserver.Hub
	family string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	jwtAuth := syncserver.NewJWTAuth("test-secret")
	hub := syncserver.NewHub(nil)
	svc := syncserver.NewService(syncserver.NewMemoryStore(), jwtAuth, hub, nil, nil)
	server := httptest.NewServer(syncserver.NewHTTPSyncHandlers(svc, jwtAuth, hub, nil).Routes())
	t.Cleanup(server.Close)
	return &fixture{server: server, svc: svc, hub: hub}
}

func (f *fixture) register(t *testing.T, deviceID string) string {
	t.Helper()
	resp, err := f.svc.Register(context.Background(), f.family, &syncserver.RegisterRequest{DeviceID: deviceID})
	require.NoError(t, err)
	f.family = resp.FamilyID
	return resp.Token
}

func waitConnected(t *testing.T, c *Client, want bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	_, err := c.Connected().WaitUntil(ctx, func(v bool) bool { return v == want })
	require.NoError(t, err)
}

func TestForwardsEventsOfOtherDevices(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "devic1")
	rec := &recorder{}
	c := New(f.server.URL, rec.handle, nil)
	c.Start(t.Context())
	defer c.Stop()

	c.SetToken(token)
	c.SetNetworkAvailable(true)
	require.False(t, c.Connected().Get())
	c.SetEnabled(true)
	waitConnected(t, c, true)
	require.Eventually(t, func() bool { return f.hub.Connections(f.family) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.register(t, "devic2")
	require.Eventually(t, func() bool { return rec.has(syncserver.EventDevicesChanged) }, 2*time.Second, 10*time.Millisecond)

	encoded, err := actions.Marshal(actions.UpdateDeviceStatusAction{DidReboot: true})
	require.NoError(t, err)
	_, err = f.svc.Push(context.Background(), f.family, "devic2", &syncserver.PushRequest{Actions: []syncserver.PushedAction{{
		SequenceNumber: 1, EncodedAction: string(encoded), Integrity: actions.DeviceIntegrity, Type: model.SyncActionAppLogic,
	}}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.has(syncserver.EventSyncRequested) }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectsOnlyWhenWanted(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "devic1")
	c := New(f.server.URL, nil, nil)
	c.Start(t.Context())
	defer c.Stop()

	c.SetEnabled(true)
	c.SetNetworkAvailable(true)
	time.Sleep(50 * time.Millisecond)
	require.False(t, c.Connected().Get())

	c.SetToken(token)
	waitConnected(t, c, true)

	c.SetNetworkAvailable(false)
	waitConnected(t, c, false)
	require.Eventually(t, func() bool { return f.hub.Connections(f.family) == 0 }, 2*time.Second, 10*time.Millisecond)

	c.SetNetworkAvailable(true)
	waitConnected(t, c, true)

	c.SetEnabled(false)
	waitConnected(t, c, false)
}

func TestReconnectsWithNewToken(t *testing.T) {
	f := newFixture(t)
	first := f.register(t, "devic1")
	second := f.register(t, "devic2")

	rec := &recorder{}
	c := New(f.server.URL, rec.handle, nil)
	c.Start(t.Context())
	defer c.Stop()
	c.SetEnabled(true)
	c.SetNetworkAvailable(true)
	c.SetToken(first)
	waitConnected(t, c, true)

	c.SetToken(second)
	waitConnected(t, c, true)
	require.Eventually(t, func() bool { return f.hub.Connections(f.family) == 1 }, 2*time.Second, 10*time.Millisecond)

	// the channel now speaks for devic2, so its own enrollment events are not echoed
	f.register(t, "devic3")
	require.Eventually(t, func() bool { return rec.has(syncserver.EventDevicesChanged) }, 2*time.Second, 10*time.Millisecond)
}

func TestBadTokenKeepsRetrying(t *testing.T) {
	f := newFixture(t)
	c := New(f.server.URL, nil, nil)
	c.Start(t.Context())
	c.SetEnabled(true)
	c.SetNetworkAvailable(true)
	c.SetToken("not-a-token")
	time.Sleep(100 * time.Millisecond)
	require.False(t, c.Connected().Get())
	c.Stop()
}
