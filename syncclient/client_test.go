package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/dispatch"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, v any) *http.Response {
	data, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}
}

const testDay = 20000

func openDB(t *testing.T, name string) *localdb.DB {
	t.Helper()
	db, err := localdb.Open(context.Background(), filepath.Join(t.TempDir(), name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertPending(t *testing.T, db *localdb.DB, rows ...model.PendingSyncAction) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), func(tx *localdb.Tx) error {
		for _, row := range rows {
			if err := tx.InsertPendingAction(context.Background(), row); err != nil {
				return err
			}
		}
		return nil
	}))
}

func usageRow(t *testing.T, seq int64, day int, categoryID string, millis int64) model.PendingSyncAction {
	t.Helper()
	encoded, err := actions.Marshal(actions.AddUsedTimeAction{DayOfEpoch: day, Items: []actions.AddUsedTimeItem{{CategoryID: categoryID, TimeToAdd: millis}}})
	require.NoError(t, err)
	return model.PendingSyncAction{
		SequenceNumber: seq,
		EncodedAction:  string(encoded),
		Integrity:      actions.DeviceIntegrity,
		Type:           model.SyncActionAppLogic,
	}
}

func staticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

func TestBuildBatchMergesConsecutiveUsage(t *testing.T) {
	scheduled := usageRow(t, 9, testDay, "cat001", 100)
	scheduled.ScheduledForUpload = true
	reboot, err := actions.Marshal(actions.UpdateDeviceStatusAction{DidReboot: true})
	require.NoError(t, err)

	rows := []model.PendingSyncAction{
		scheduled,
		usageRow(t, 10, testDay, "cat001", 1000),
		usageRow(t, 11, testDay, "cat001", 2000),
		usageRow(t, 12, testDay+1, "cat001", 50),
		{SequenceNumber: 13, EncodedAction: string(reboot), Integrity: actions.DeviceIntegrity, Type: model.SyncActionAppLogic},
		usageRow(t, 14, testDay+1, "cat001", 70),
	}
	batch, marked, err := buildBatch(rows)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 11, 12, 13, 14}, marked)
	require.Len(t, batch, 5)

	require.Equal(t, int64(9), batch[0].SequenceNumber)
	require.Empty(t, batch[0].MergedSequenceNumbers)

	require.Equal(t, int64(11), batch[1].SequenceNumber)
	require.Equal(t, []int64{10, 11}, batch[1].MergedSequenceNumbers)
	merged, err := actions.Unmarshal([]byte(batch[1].EncodedAction))
	require.NoError(t, err)
	require.Equal(t, []actions.AddUsedTimeItem{{CategoryID: "cat001", TimeToAdd: 3000}}, merged.(actions.AddUsedTimeAction).Items)

	// another day and a different action break the run
	require.Equal(t, int64(12), batch[2].SequenceNumber)
	require.Equal(t, int64(13), batch[3].SequenceNumber)
	require.Equal(t, int64(14), batch[4].SequenceNumber)
}

func TestBuildBatchKeepsSignedActionsApart(t *testing.T) {
	row := usageRow(t, 2, testDay, "cat001", 10)
	row.Integrity = "abc"
	batch, _, err := buildBatch([]model.PendingSyncAction{usageRow(t, 1, testDay, "cat001", 10), row})
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

func TestUploadRetryResendsScheduledRowsUnmerged(t *testing.T) {
	db := openDB(t, "retry.db")
	insertPending(t, db, usageRow(t, 10, testDay, "cat001", 1000), usageRow(t, 11, testDay, "cat001", 2000))

	var mu sync.Mutex
	var pushes []syncserver.PushRequest
	c := NewClient(db, "http://example", "devic1", staticToken("token"), nil, nil)
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/sync/push", r.URL.Path)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		var req syncserver.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		pushes = append(pushes, req)
		if len(pushes) == 1 {
			return jsonResponse(http.StatusInternalServerError, syncserver.ErrorResponse{Error: "internal_error"}), nil
		}
		return jsonResponse(http.StatusOK, syncserver.PushResponse{AcknowledgedUpTo: 11}), nil
	})}

	_, err := c.Upload(t.Context())
	require.ErrorContains(t, err, "server returned status 500")
	pending, err := db.Read().ListPendingActions(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.True(t, pending[0].ScheduledForUpload)
	require.True(t, pending[1].ScheduledForUpload)

	sent, err := c.Upload(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, sent)

	require.Len(t, pushes, 2)
	require.Len(t, pushes[0].Actions, 1)
	require.Equal(t, []int64{10, 11}, pushes[0].Actions[0].MergedSequenceNumbers)
	require.Len(t, pushes[1].Actions, 2)
	require.Equal(t, int64(10), pushes[1].Actions[0].SequenceNumber)
	require.Equal(t, int64(11), pushes[1].Actions[1].SequenceNumber)

	count, err := db.Read().CountPendingActions(t.Context())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUploadFullSyncClearsVersions(t *testing.T) {
	db := openDB(t, "full.db")
	ctx := t.Context()
	require.NoError(t, db.Read().SetConfig(ctx, localdb.ConfigDeviceListVersion, "v1"))
	require.NoError(t, db.Read().SetConfig(ctx, localdb.ConfigUserListVersion, "v2"))
	insertPending(t, db, usageRow(t, 1, testDay, "cat001", 1000), usageRow(t, 2, testDay+1, "cat001", 1000))

	c := NewClient(db, "http://example", "devic1", staticToken("token"), nil, nil)
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		// only the first entry was processed
		return jsonResponse(http.StatusOK, syncserver.PushResponse{AcknowledgedUpTo: 1, ShouldDoFullSync: true}), nil
	})}
	_, err := c.Upload(ctx)
	require.NoError(t, err)

	for _, key := range []string{localdb.ConfigDeviceListVersion, localdb.ConfigUserListVersion} {
		v, err := db.Read().GetConfigString(ctx, key)
		require.NoError(t, err)
		require.Empty(t, v)
	}
	pending, err := db.Read().ListPendingActions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].SequenceNumber)
}

func TestUploadDrainsInBatches(t *testing.T) {
	db := openDB(t, "batches.db")
	for seq := int64(1); seq <= 5; seq++ {
		// alternate days so nothing merges
		insertPending(t, db, usageRow(t, seq, testDay+int(seq%2), "cat001", 10))
	}
	var sizes []int
	cfg := DefaultConfig()
	cfg.MaxBatch = 2
	c := NewClient(db, "http://example", "devic1", staticToken("token"), cfg, nil)
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		var req syncserver.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		sizes = append(sizes, len(req.Actions))
		return jsonResponse(http.StatusOK, syncserver.PushResponse{AcknowledgedUpTo: req.Actions[len(req.Actions)-1].SequenceNumber}), nil
	})}
	sent, err := c.Upload(t.Context())
	require.NoError(t, err)
	require.Equal(t, 5, sent)
	require.Equal(t, []int{2, 2, 1}, sizes)
}

func TestPausedUploadsStillPull(t *testing.T) {
	db := openDB(t, "paused.db")
	insertPending(t, db, usageRow(t, 1, testDay, "cat001", 10))

	var paths []string
	c := NewClient(db, "http://example", "devic1", staticToken("token"), nil, nil)
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		paths = append(paths, r.URL.Path)
		return jsonResponse(http.StatusOK, syncserver.ServerDataStatus{}), nil
	})}
	c.PauseUploads()
	_, err := c.Upload(t.Context())
	require.Error(t, err)
	require.NoError(t, c.Sync(t.Context()))
	require.Equal(t, []string{"/sync/pull"}, paths)

	c.ResumeUploads()
	paths = nil
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/sync/push" {
			return jsonResponse(http.StatusOK, syncserver.PushResponse{AcknowledgedUpTo: 1}), nil
		}
		return jsonResponse(http.StatusOK, syncserver.ServerDataStatus{}), nil
	})}
	require.NoError(t, c.Sync(t.Context()))
	require.Equal(t, []string{"/sync/push", "/sync/pull"}, paths)
	require.Equal(t, StateIdle, c.Status().Get().State)
	require.NotZero(t, c.Status().Get().LastSuccess)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
	errors int
}

func (r *countingRecorder) ObserveSync(operation string, _ time.Duration, count int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[operation] += count
	if err != nil {
		r.errors++
	}
}

func TestSyncLoopBacksOffOnFailure(t *testing.T) {
	db := openDB(t, "backoff.db")
	cfg := DefaultConfig()
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	recorder := &countingRecorder{}

	var mu sync.Mutex
	calls := 0
	c := NewClient(db, "http://example", "devic1", staticToken("token"), cfg, nil)
	c.Recorder = recorder
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return jsonResponse(http.StatusServiceUnavailable, syncserver.ErrorResponse{Error: "unavailable"}), nil
	})}

	c.Start(t.Context())
	status, err := c.Status().WaitUntil(t.Context(), func(s Status) bool { return s.State == StateBackoff })
	require.NoError(t, err)
	require.Contains(t, status.LastError, "503")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.GreaterOrEqual(t, recorder.errors, 3)
}

// device is one enrolled device with its own store and sync client
type device struct {
	db     *localdb.DB
	d      *dispatch.Dispatcher
	client *Client
}

type syncFixture struct {
	t      *testing.T
	server *httptest.Server
	svc    *syncserver.Service
	store  *syncserver.MemoryStore
	token  string
	family string
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	jwtAuth := syncserver.NewJWTAuth("test-secret")
	hub := syncserver.NewHub(nil)
	store := syncserver.NewMemoryStore()
	svc := syncserver.NewService(store, jwtAuth, hub, nil, nil)
	server := httptest.NewServer(syncserver.NewHTTPSyncHandlers(svc, jwtAuth, hub, nil).Routes())
	t.Cleanup(server.Close)
	return &syncFixture{t: t, server: server, svc: svc, store: store}
}

func (f *syncFixture) enroll(deviceID string) *device {
	f.t.Helper()
	resp, err := f.svc.Register(context.Background(), f.family, &syncserver.RegisterRequest{DeviceID: deviceID, DeviceName: deviceID})
	require.NoError(f.t, err)
	f.family = resp.FamilyID

	db := openDB(f.t, deviceID+".db")
	require.NoError(f.t, db.Read().UpsertDevice(context.Background(), model.Device{ID: deviceID, Name: deviceID}))
	return &device{
		db:     db,
		d:      dispatch.New(db, dispatch.Options{DeviceID: deviceID}),
		client: NewClient(db, f.server.URL, deviceID, staticToken(resp.Token), nil, nil),
	}
}

func usedTime(t *testing.T, db *localdb.DB, categoryID string) int64 {
	t.Helper()
	used, err := db.Read().GetUsedTime(context.Background(), categoryID, testDay)
	require.NoError(t, err)
	return used
}

func (dev *device) setupFamily(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	creds, err := actions.NewCredentials("hunter2")
	require.NoError(t, err)
	require.NoError(t, dev.d.DispatchParentAction(ctx, actions.AddUserAction{
		UserID: "parnt1", Name: "Mom", Type: model.UserTypeParent, Timezone: "UTC",
		PasswordHash: creds.PasswordHash, SecondPasswordSalt: creds.SecondPasswordSalt, SecondPasswordHash: creds.SecondPasswordHash,
	}, dispatch.ParentAuth{Password: "hunter2"}))
	parent := dispatch.ParentAuth{UserID: "parnt1", Password: "hunter2"}
	require.NoError(t, dev.d.DispatchParentAction(ctx, actions.AddUserAction{UserID: "child1", Name: "Kid", Type: model.UserTypeChild, Timezone: "UTC"}, parent))
	require.NoError(t, dev.d.DispatchParentAction(ctx, actions.CreateCategoryAction{ChildID: "child1", CategoryID: "cat001", Title: "Games"}, parent))
}

func (dev *device) addUsage(t *testing.T, millis int64) {
	t.Helper()
	a, err := actions.NewAddUsedTimeAction(testDay, actions.AddUsedTimeItem{CategoryID: "cat001", TimeToAdd: millis})
	require.NoError(t, err)
	require.NoError(t, dev.d.DispatchAppLogicAction(context.Background(), a))
}

func TestSyncBetweenDevices(t *testing.T) {
	f := newSyncFixture(t)
	tablet := f.enroll("devic1")
	phone := f.enroll("devic2")
	tablet.setupFamily(t)
	tablet.addUsage(t, 1000)
	tablet.addUsage(t, 2000)
	require.Equal(t, int64(3000), usedTime(t, tablet.db, "cat001"))

	require.NoError(t, tablet.client.Sync(t.Context()))
	count, err := tablet.db.Read().CountPendingActions(t.Context())
	require.NoError(t, err)
	require.Zero(t, count)

	state, err := f.store.Load(t.Context(), f.family)
	require.NoError(t, err)
	require.Equal(t, int64(3000), state.UsedTimes["cat001"][testDay])
	require.Equal(t, int64(5), state.AppliedUpTo["devic1"])

	require.NoError(t, phone.client.Sync(t.Context()))
	users, err := phone.db.Read().ListUsers(t.Context())
	require.NoError(t, err)
	require.Len(t, users, 2)
	devices, err := phone.db.Read().ListDevices(t.Context())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	category, err := phone.db.Read().GetCategory(t.Context(), "cat001")
	require.NoError(t, err)
	require.Equal(t, "Games", category.Title)
	require.NotEmpty(t, category.UsedTimesVersion)
	require.Equal(t, int64(3000), usedTime(t, phone.db, "cat001"))

	// usage on the phone reaches the tablet
	phone.addUsage(t, 500)
	require.NoError(t, phone.client.Sync(t.Context()))
	require.NoError(t, tablet.client.Sync(t.Context()))
	require.Equal(t, int64(3500), usedTime(t, tablet.db, "cat001"))

	// nothing changed on the server
	before, err := tablet.db.Read().GetCategory(t.Context(), "cat001")
	require.NoError(t, err)
	require.NoError(t, tablet.client.Pull(t.Context()))
	after, err := tablet.db.Read().GetCategory(t.Context(), "cat001")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPullReappliesUnsentUsage(t *testing.T) {
	f := newSyncFixture(t)
	tablet := f.enroll("devic1")
	tablet.setupFamily(t)
	tablet.addUsage(t, 5000)
	require.NoError(t, tablet.client.Sync(t.Context()))

	tablet.client.PauseUploads()
	tablet.addUsage(t, 1000)
	require.Equal(t, int64(6000), usedTime(t, tablet.db, "cat001"))

	// a full pull replaces the used times and the unsent usage is replayed on top
	require.NoError(t, tablet.db.InTx(t.Context(), func(tx *localdb.Tx) error { return tx.ClearVersions(t.Context()) }))
	require.NoError(t, tablet.client.Pull(t.Context()))
	require.Equal(t, int64(6000), usedTime(t, tablet.db, "cat001"))

	// a pull that leaves the used times alone does not count the usage twice
	f.enroll("devic3")
	require.NoError(t, tablet.client.Pull(t.Context()))
	require.Equal(t, int64(6000), usedTime(t, tablet.db, "cat001"))
	devices, err := tablet.db.Read().ListDevices(t.Context())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	tablet.client.ResumeUploads()
	require.NoError(t, tablet.client.Sync(t.Context()))
	require.Equal(t, int64(6000), usedTime(t, tablet.db, "cat001"))
	count, err := tablet.db.Read().CountPendingActions(t.Context())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPullDropsActionsAppliedByServer(t *testing.T) {
	f := newSyncFixture(t)
	tablet := f.enroll("devic1")
	tablet.setupFamily(t)

	// the push reaches the server but the response is lost
	base := tablet.client.HTTP.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	tablet.client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		resp, err := base.RoundTrip(r)
		if err != nil || r.URL.Path != "/sync/push" {
			return resp, err
		}
		_ = resp.Body.Close()
		return nil, io.ErrUnexpectedEOF
	})}
	_, err := tablet.client.Upload(t.Context())
	require.Error(t, err)

	tablet.client.HTTP = &http.Client{}
	require.NoError(t, tablet.client.Pull(t.Context()))
	count, err := tablet.db.Read().CountPendingActions(t.Context())
	require.NoError(t, err)
	require.Zero(t, count)
	users, err := tablet.db.Read().ListUsers(t.Context())
	require.NoError(t, err)
	require.Len(t, users, 2)
}

func TestSyncRejectedActionRequestsFullSync(t *testing.T) {
	f := newSyncFixture(t)
	tablet := f.enroll("devic1")
	tablet.setupFamily(t)
	require.NoError(t, tablet.client.Sync(t.Context()))

	// forge a parent action with a signature nobody can verify
	encoded, err := actions.Marshal(actions.UpdateCategoryTitleAction{CategoryID: "cat001", Title: "Hacked"})
	require.NoError(t, err)
	insertPending(t, tablet.db, model.PendingSyncAction{
		SequenceNumber: 100, EncodedAction: string(encoded), Integrity: "forged", Type: model.SyncActionParent, UserID: "parnt1",
	})
	require.NoError(t, tablet.client.Sync(t.Context()))

	category, err := tablet.db.Read().GetCategory(t.Context(), "cat001")
	require.NoError(t, err)
	require.Equal(t, "Games", category.Title)
	require.NotEmpty(t, category.BaseVersion)
	count, err := tablet.db.Read().CountPendingActions(t.Context())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRegisterCreatesAndJoinsFamily(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	first, err := Register(ctx, nil, f.server.URL, "", &syncserver.RegisterRequest{DeviceName: "Phone"})
	require.NoError(t, err)
	require.NotEmpty(t, first.FamilyID)
	require.True(t, model.IsValidID(first.DeviceID))

	second, err := Register(ctx, nil, f.server.URL, first.Token, &syncserver.RegisterRequest{DeviceID: "devic2", DeviceName: "Tablet"})
	require.NoError(t, err)
	require.Equal(t, first.FamilyID, second.FamilyID)
	require.Equal(t, "devic2", second.DeviceID)

	_, err = Register(ctx, nil, f.server.URL, "garbage", &syncserver.RegisterRequest{DeviceName: "Laptop"})
	require.ErrorContains(t, err, "401")
}
