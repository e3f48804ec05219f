package syncserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/model"
)

type httpFixture struct {
	t      *testing.T
	server *httptest.Server
	hub    *Hub
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	hub := NewHub(nil)
	svc := NewService(NewMemoryStore(), jwtAuth, hub, nil, nil)
	server := httptest.NewServer(NewHTTPSyncHandlers(svc, jwtAuth, hub, nil).Routes())
	t.Cleanup(server.Close)
	return &httpFixture{t: t, server: server, hub: hub}
}

func (f *httpFixture) post(path, token string, body any) *http.Response {
	f.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(f.t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(data))
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *httpFixture) register(token string, req RegisterRequest) RegisterResponse {
	f.t.Helper()
	resp := f.post("/register", token, req)
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	return decodeBody[RegisterResponse](f.t, resp)
}

func TestHTTPRegisterPushPull(t *testing.T) {
	f := newHTTPFixture(t)
	first := f.register("", RegisterRequest{DeviceID: "devic1", DeviceName: "Tablet"})
	second := f.register(first.Token, RegisterRequest{DeviceID: "devic2", DeviceName: "Phone"})
	require.Equal(t, first.FamilyID, second.FamilyID)

	encoded, err := actions.Marshal(actions.UpdateDeviceStatusAction{DidReboot: true})
	require.NoError(t, err)
	resp := f.post("/sync/push", first.Token, PushRequest{Actions: []PushedAction{{
		SequenceNumber: 1,
		EncodedAction:  string(encoded),
		Integrity:      actions.DeviceIntegrity,
		Type:           model.SyncActionAppLogic,
	}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeBody[PushResponse](t, resp)
	require.Equal(t, int64(1), ack.AcknowledgedUpTo)

	resp = f.post("/sync/pull", second.Token, ClientDataStatus{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[ServerDataStatus](t, resp)
	require.NotNil(t, status.Devices)
	require.Len(t, status.Devices.Devices, 2)
	require.Zero(t, status.AppliedUpTo)
}

func TestHTTPAuthentication(t *testing.T) {
	f := newHTTPFixture(t)

	resp := f.post("/sync/push", "", PushRequest{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post("/sync/pull", "not-a-token", ClientDataStatus{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post("/register", "not-a-token", RegisterRequest{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[ErrorResponse](t, resp)
	require.Equal(t, "authentication_failed", body.Error)

	// a token of a family that does not exist
	token, err := NewJWTAuth("test-secret").GenerateToken("nofamily", "devic1", time.Hour)
	require.NoError(t, err)
	resp = f.post("/sync/pull", token, ClientDataStatus{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPRejectsMalformedBodies(t *testing.T) {
	f := newHTTPFixture(t)
	reg := f.register("", RegisterRequest{})

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/sync/push", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := f.post("/register", "", RegisterRequest{DeviceID: "x"})
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHTTPTime(t *testing.T) {
	f := newHTTPFixture(t)
	before := time.Now().UnixMilli()
	got, err := clock.NewHTTPNetworkClock(f.server.URL).TimeInMillis(t.Context())
	require.NoError(t, err)
	require.GreaterOrEqual(t, got, before)
}

func TestHubDeliversEventsToOtherDevices(t *testing.T) {
	f := newHTTPFixture(t)
	first := f.register("", RegisterRequest{DeviceID: "devic1"})

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sync/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + first.Token}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Connections(first.FamilyID) == 1 }, time.Second, 10*time.Millisecond)

	// enrolling another device announces the device list change
	f.register(first.Token, RegisterRequest{DeviceID: "devic2"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, EventDevicesChanged, event.Type)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
}
