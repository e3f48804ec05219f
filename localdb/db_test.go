package localdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "timelimit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	expected := []string{"config", "user", "device", "category", "category_app", "time_limit_rule",
		"used_time", "installed_app", "temporarily_allowed_app", "pending_sync_action"}
	for _, table := range expected {
		var count int
		err := db.SQL().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, db.SQL().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestCategoryRoundTripAndCascade(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cat := model.Category{
		ID: "cat001", ChildID: "child1", Title: "Games",
		BlockedMinutesInWeek: model.MinuteBitmask{}.WithRange(0, 479),
		ExtraTimeInMillis:    1000, ExtraTimeDay: -1, ParentCategoryID: "cat000",
		BaseVersion: "v1",
	}
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertCategory(ctx, cat); err != nil {
			return err
		}
		if err := tx.AddCategoryApps(ctx, cat.ID, []string{"com.game", "com.game"}); err != nil {
			return err
		}
		if err := tx.UpsertRule(ctx, model.TimeLimitRule{ID: "rule01", CategoryID: cat.ID, DayMask: model.AllDays, MaximumTimeInMillis: 60000}); err != nil {
			return err
		}
		return tx.AddUsedTime(ctx, cat.ID, 100, 500)
	}))

	got, err := db.Read().GetCategory(ctx, cat.ID)
	require.NoError(t, err)
	require.Equal(t, cat, *got)

	id, ok, err := db.Read().CategoryForApp(ctx, "child1", "com.game")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cat.ID, id)

	_, ok, err = db.Read().CategoryForApp(ctx, "otherchild", "com.game")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error { return tx.DeleteCategory(ctx, cat.ID) }))

	_, err = db.Read().GetCategory(ctx, cat.ID)
	require.ErrorIs(t, err, ErrNotFound)
	apps, err := db.Read().ListCategoryApps(ctx, cat.ID)
	require.NoError(t, err)
	require.Empty(t, apps)
	rules, err := db.Read().ListRules(ctx, cat.ID)
	require.NoError(t, err)
	require.Empty(t, rules)
	used, err := db.Read().GetUsedTime(ctx, cat.ID, 100)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestAddUsedTimeIsAdditive(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertCategory(ctx, model.Category{ID: "cat001", ChildID: "child1", Title: "x", ExtraTimeDay: -1}); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if err := tx.AddUsedTime(ctx, "cat001", 200, 1000); err != nil {
				return err
			}
		}
		return tx.AddUsedTime(ctx, "cat001", 201, 7)
	}))

	items, err := db.Read().ListUsedTimes(ctx, "cat001", 199, 201)
	require.NoError(t, err)
	require.Equal(t, []model.UsedTimeItem{
		{CategoryID: "cat001", DayOfEpoch: 200, UsedMillis: 3000},
		{CategoryID: "cat001", DayOfEpoch: 201, UsedMillis: 7},
	}, items)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertUser(ctx, model.User{ID: "par001", Name: "Mum", Type: model.UserTypeParent}); err != nil {
			return err
		}
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)

	users, err := db.Read().ListUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestUserAndDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	user := model.User{
		ID: "kid001", Name: "Kid", Type: model.UserTypeChild, Timezone: "Europe/Berlin",
		DisableLimitsUntil: 99, BlockedTimes: model.MinuteBitmask{}.WithRange(5, 6), RelaxPrimaryDevice: true,
	}
	device := model.Device{
		ID: "dev001", Name: "Tablet", CurrentUserID: "kid001", NetworkTime: model.NetworkTimeEnabled,
		CurrentProtectionLevel: model.ProtectionLevelDeviceAdmin, HighestProtectionLevel: model.ProtectionLevelDeviceAdmin,
		HadManipulation: true, EnableActivityLevelBlocking: true,
	}
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		return tx.UpsertDevice(ctx, device)
	}))

	gotUser, err := db.Read().GetUser(ctx, "kid001")
	require.NoError(t, err)
	require.Equal(t, user, *gotUser)

	gotDevice, err := db.Read().GetDevice(ctx, "dev001")
	require.NoError(t, err)
	require.Equal(t, device, *gotDevice)

	_, err = db.Read().GetDevice(ctx, "nope00")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSequenceNumbersAndPendingQueue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			seq, err := tx.AllocateSequenceNumber(ctx)
			if err != nil {
				return err
			}
			require.Equal(t, int64(i+1), seq)
			if err := tx.InsertPendingAction(ctx, model.PendingSyncAction{
				SequenceNumber: seq, EncodedAction: `{"type":"FORCE_SYNC"}`, Integrity: "device", Type: model.SyncActionAppLogic,
			}); err != nil {
				return err
			}
		}
		return tx.MarkScheduledForUpload(ctx, []int64{1, 2})
	}))

	// unscheduled rows survive an acknowledgement covering them
	n, err := db.Read().DeleteAcknowledgedActions(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	pending, err := db.Read().ListPendingActions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(3), pending[0].SequenceNumber)
	require.False(t, pending[0].ScheduledForUpload)

	// numbers are never reused
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		seq, err := tx.AllocateSequenceNumber(ctx)
		require.Equal(t, int64(4), seq)
		return err
	}))
}

func TestClearVersions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertCategory(ctx, model.Category{ID: "cat001", ChildID: "c", Title: "t", ExtraTimeDay: -1,
			BaseVersion: "a", AppsVersion: "b", RulesVersion: "c", UsedTimesVersion: "d"}); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, ConfigDeviceListVersion, "x"); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, ConfigInstalledAppsVersion+"dev001", "y"); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, ConfigOwnDeviceID, "dev001"); err != nil {
			return err
		}
		return tx.ClearVersions(ctx)
	}))

	cat, err := db.Read().GetCategory(ctx, "cat001")
	require.NoError(t, err)
	require.Empty(t, cat.BaseVersion+cat.AppsVersion+cat.RulesVersion+cat.UsedTimesVersion)

	_, ok, err := db.Read().GetConfig(ctx, ConfigDeviceListVersion)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = db.Read().GetConfig(ctx, ConfigInstalledAppsVersion+"dev001")
	require.NoError(t, err)
	require.False(t, ok)

	own, err := db.Read().GetConfigString(ctx, ConfigOwnDeviceID)
	require.NoError(t, err)
	require.Equal(t, "dev001", own)
}

func TestTemporarilyAllowedApps(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Read().AddTemporarilyAllowedApp(ctx, "com.a"))
	require.NoError(t, db.Read().AddTemporarilyAllowedApp(ctx, "com.a"))
	require.NoError(t, db.Read().AddTemporarilyAllowedApp(ctx, "com.b"))

	apps, err := db.Read().ListTemporarilyAllowedApps(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"com.a", "com.b"}, apps)

	n, err := db.Read().ClearTemporarilyAllowedApps(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Read().SetConfig(ctx, ConfigOwnDeviceID, "dev001"))

	path := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, db.Backup(ctx, path))
	// a second backup replaces the first
	require.NoError(t, db.Backup(ctx, path))

	restored, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer restored.Close()
	own, err := restored.Read().GetConfigString(ctx, ConfigOwnDeviceID)
	require.NoError(t, err)
	require.Equal(t, "dev001", own)
}
