package syncserver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/model"
)

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	state := NewFamilyState("fam1")
	require.NoError(t, store.Create(ctx, state))
	require.ErrorIs(t, store.Create(ctx, state), ErrFamilyExists)

	loaded, err := store.Load(ctx, "fam1")
	require.NoError(t, err)
	loaded.Users["x"] = model.User{ID: "x"}

	again, err := store.Load(ctx, "fam1")
	require.NoError(t, err)
	require.Empty(t, again.Users)

	boom := errors.New("boom")
	require.ErrorIs(t, store.Update(ctx, "fam1", func(s *FamilyState) error {
		s.Users["y"] = model.User{ID: "y"}
		return boom
	}), boom)
	require.NoError(t, store.Update(ctx, "fam1", func(s *FamilyState) error {
		s.Users["z"] = model.User{ID: "z"}
		return nil
	}))
	again, err = store.Load(ctx, "fam1")
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, sortedKeys(again.Users))

	require.ErrorIs(t, store.Update(ctx, "nope", func(*FamilyState) error { return nil }), ErrFamilyNotFound)
}

func TestFamilyTxVersions(t *testing.T) {
	ctx := context.Background()
	state := NewFamilyState("fam1")
	tx := newFamilyTx(state)
	require.NoError(t, tx.UpsertCategory(ctx, model.Category{ID: "cat001", ChildID: "child1"}))
	require.NoError(t, tx.AddCategoryApps(ctx, "cat001", []string{"com.b", "com.a"}))
	tx.bumpVersions()

	c := state.Categories["cat001"]
	require.NotEmpty(t, c.BaseVersion)
	require.NotEmpty(t, c.AppsVersion)
	require.NotEmpty(t, c.RulesVersion)
	require.NotEmpty(t, c.UsedTimesVersion)
	require.Equal(t, []string{"com.a", "com.b"}, state.CategoryApps["cat001"])

	// removing apps a category does not have is not a change
	require.NoError(t, tx.RemoveCategoryApps(ctx, "cat001", []string{"com.x"}))
	require.True(t, tx.changed.empty())

	require.NoError(t, tx.AddUsedTime(ctx, "cat001", 10, 500))
	tx.bumpVersions()
	after := state.Categories["cat001"]
	require.Equal(t, c.BaseVersion, after.BaseVersion)
	require.NotEqual(t, c.UsedTimesVersion, after.UsedTimesVersion)

	require.NoError(t, tx.UpsertUser(ctx, model.User{ID: "child1", Type: model.UserTypeChild}))
	state.SecondHashes["child1"] = "key"
	require.NoError(t, tx.DeleteUser(ctx, "child1"))
	require.Empty(t, state.Categories)
	require.Empty(t, state.SecondHashes)
}
