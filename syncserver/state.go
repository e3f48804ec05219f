// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-timelimit/model"
)

// FamilyState is the authoritative state of one family. Stores persist it as a
// single JSON document and hand out private copies.
type FamilyState struct {
	ID           string                          `json:"id"`
	Users        map[string]model.User           `json:"users"`
	SecondHashes map[string]string               `json:"secondHashes"` // user id -> signing key
	Devices      map[string]model.Device         `json:"devices"`
	Categories   map[string]model.Category       `json:"categories"`
	CategoryApps map[string][]string             `json:"categoryApps"`
	Rules        map[string]model.TimeLimitRule  `json:"rules"`
	UsedTimes    map[string]map[int]int64        `json:"usedTimes"` // category id -> day of epoch -> ms
	Apps         map[string][]model.InstalledApp `json:"installedApps"`

	DevicesVersion       string            `json:"devicesVersion"`
	UsersVersion         string            `json:"usersVersion"`
	InstalledAppsVersion map[string]string `json:"installedAppsVersion"`

	// AppliedUpTo is the highest applied sequence number per device
	AppliedUpTo map[string]int64 `json:"appliedUpTo"`
}

// NewFamilyState creates an empty family
func NewFamilyState(id string) *FamilyState {
	s := &FamilyState{ID: id}
	s.ensureMaps()
	s.DevicesVersion = uuid.NewString()
	s.UsersVersion = uuid.NewString()
	return s
}

func (s *FamilyState) ensureMaps() {
	if s.Users == nil {
		s.Users = map[string]model.User{}
	}
	if s.SecondHashes == nil {
		s.SecondHashes = map[string]string{}
	}
	if s.Devices == nil {
		s.Devices = map[string]model.Device{}
	}
	if s.Categories == nil {
		s.Categories = map[string]model.Category{}
	}
	if s.CategoryApps == nil {
		s.CategoryApps = map[string][]string{}
	}
	if s.Rules == nil {
		s.Rules = map[string]model.TimeLimitRule{}
	}
	if s.UsedTimes == nil {
		s.UsedTimes = map[string]map[int]int64{}
	}
	if s.Apps == nil {
		s.Apps = map[string][]model.InstalledApp{}
	}
	if s.InstalledAppsVersion == nil {
		s.InstalledAppsVersion = map[string]string{}
	}
	if s.AppliedUpTo == nil {
		s.AppliedUpTo = map[string]int64{}
	}
}

// encodeState serializes s for storage
func encodeState(s *FamilyState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode family state %s: %w", s.ID, err)
	}
	return data, nil
}

// decodeState restores a stored family state
func decodeState(data []byte) (*FamilyState, error) {
	var s FamilyState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode family state: %w", err)
	}
	s.ensureMaps()
	return &s, nil
}

// Clone returns a deep copy of s
func (s *FamilyState) Clone() (*FamilyState, error) {
	data, err := encodeState(s)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

// changeSet tracks which versioned aspects a batch of actions touched
type changeSet struct {
	devices       bool
	users         bool
	installedApps map[string]bool
	base          map[string]bool
	apps          map[string]bool
	rules         map[string]bool
	usedTimes     map[string]bool
}

func newChangeSet() *changeSet {
	return &changeSet{
		installedApps: map[string]bool{},
		base:          map[string]bool{},
		apps:          map[string]bool{},
		rules:         map[string]bool{},
		usedTimes:     map[string]bool{},
	}
}

func (c *changeSet) empty() bool {
	return !c.devices && !c.users && len(c.installedApps) == 0 && len(c.base) == 0 &&
		len(c.apps) == 0 && len(c.rules) == 0 && len(c.usedTimes) == 0
}

// familyTx applies actions to a FamilyState and records what changed.
// It implements actions.State.
type familyTx struct {
	s       *FamilyState
	changed *changeSet
}

func newFamilyTx(s *FamilyState) *familyTx {
	return &familyTx{s: s, changed: newChangeSet()}
}

// bumpVersions stamps every touched aspect with a fresh version
func (t *familyTx) bumpVersions() {
	c := t.changed
	if c.devices {
		t.s.DevicesVersion = uuid.NewString()
	}
	if c.users {
		t.s.UsersVersion = uuid.NewString()
	}
	for deviceID := range c.installedApps {
		t.s.InstalledAppsVersion[deviceID] = uuid.NewString()
	}
	for id, cat := range t.s.Categories {
		if c.base[id] {
			cat.BaseVersion = uuid.NewString()
		}
		if c.apps[id] {
			cat.AppsVersion = uuid.NewString()
		}
		if c.rules[id] {
			cat.RulesVersion = uuid.NewString()
		}
		if c.usedTimes[id] {
			cat.UsedTimesVersion = uuid.NewString()
		}
		t.s.Categories[id] = cat
	}
	t.changed = newChangeSet()
}

func (t *familyTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := t.s.Users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &u, nil
}

func (t *familyTx) ListUsers(_ context.Context) ([]model.User, error) {
	users := make([]model.User, 0, len(t.s.Users))
	for _, u := range t.s.Users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (t *familyTx) UpsertUser(_ context.Context, u model.User) error {
	t.s.Users[u.ID] = u
	t.changed.users = true
	return nil
}

func (t *familyTx) DeleteUser(ctx context.Context, id string) error {
	for catID, c := range t.s.Categories {
		if c.ChildID == id {
			if err := t.DeleteCategory(ctx, catID); err != nil {
				return err
			}
		}
	}
	delete(t.s.Users, id)
	delete(t.s.SecondHashes, id)
	t.changed.users = true
	return nil
}

func (t *familyTx) GetDevice(_ context.Context, id string) (*model.Device, error) {
	d, ok := t.s.Devices[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &d, nil
}

func (t *familyTx) ListDevices(_ context.Context) ([]model.Device, error) {
	devices := make([]model.Device, 0, len(t.s.Devices))
	for _, d := range t.s.Devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (t *familyTx) UpsertDevice(_ context.Context, d model.Device) error {
	t.s.Devices[d.ID] = d
	t.changed.devices = true
	return nil
}

func (t *familyTx) GetCategory(_ context.Context, id string) (*model.Category, error) {
	c, ok := t.s.Categories[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &c, nil
}

func (t *familyTx) ListCategoriesByChild(_ context.Context, childID string) ([]model.Category, error) {
	var result []model.Category
	for _, c := range t.s.Categories {
		if c.ChildID == childID {
			result = append(result, c)
		}
	}
	sortCategories(result)
	return result, nil
}

func sortCategories(categories []model.Category) {
	sort.Slice(categories, func(i, j int) bool {
		if categories[i].Sort != categories[j].Sort {
			return categories[i].Sort < categories[j].Sort
		}
		return categories[i].ID < categories[j].ID
	})
}

func (t *familyTx) UpsertCategory(_ context.Context, c model.Category) error {
	if _, ok := t.s.Categories[c.ID]; !ok {
		// a new category has every aspect
		t.changed.apps[c.ID] = true
		t.changed.rules[c.ID] = true
		t.changed.usedTimes[c.ID] = true
	}
	t.s.Categories[c.ID] = c
	t.changed.base[c.ID] = true
	return nil
}

func (t *familyTx) DeleteCategory(_ context.Context, id string) error {
	delete(t.s.Categories, id)
	delete(t.s.CategoryApps, id)
	delete(t.s.UsedTimes, id)
	for ruleID, r := range t.s.Rules {
		if r.CategoryID == id {
			delete(t.s.Rules, ruleID)
		}
	}
	return nil
}

func (t *familyTx) AddCategoryApps(_ context.Context, categoryID string, apps []string) error {
	current := t.s.CategoryApps[categoryID]
	changed := false
	for _, app := range apps {
		if !slices.Contains(current, app) {
			current = append(current, app)
			changed = true
		}
	}
	if changed {
		slices.Sort(current)
		t.s.CategoryApps[categoryID] = current
		t.changed.apps[categoryID] = true
	}
	return nil
}

func (t *familyTx) RemoveCategoryApps(_ context.Context, categoryID string, apps []string) error {
	current := t.s.CategoryApps[categoryID]
	kept := slices.DeleteFunc(slices.Clone(current), func(app string) bool { return slices.Contains(apps, app) })
	if len(kept) != len(current) {
		t.s.CategoryApps[categoryID] = kept
		t.changed.apps[categoryID] = true
	}
	return nil
}

func (t *familyTx) GetRule(_ context.Context, id string) (*model.TimeLimitRule, error) {
	r, ok := t.s.Rules[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &r, nil
}

func (t *familyTx) UpsertRule(_ context.Context, r model.TimeLimitRule) error {
	t.s.Rules[r.ID] = r
	t.changed.rules[r.CategoryID] = true
	return nil
}

func (t *familyTx) DeleteRule(_ context.Context, id string) error {
	if r, ok := t.s.Rules[id]; ok {
		delete(t.s.Rules, id)
		t.changed.rules[r.CategoryID] = true
	}
	return nil
}

func (t *familyTx) AddUsedTime(_ context.Context, categoryID string, dayOfEpoch int, delta int64) error {
	days := t.s.UsedTimes[categoryID]
	if days == nil {
		days = map[int]int64{}
		t.s.UsedTimes[categoryID] = days
	}
	days[dayOfEpoch] += delta
	t.changed.usedTimes[categoryID] = true
	return nil
}

func (t *familyTx) AddInstalledApps(_ context.Context, apps []model.InstalledApp) error {
	for _, app := range apps {
		list := slices.DeleteFunc(t.s.Apps[app.DeviceID], func(a model.InstalledApp) bool { return a.PackageName == app.PackageName })
		list = append(list, app)
		sort.Slice(list, func(i, j int) bool { return list[i].PackageName < list[j].PackageName })
		t.s.Apps[app.DeviceID] = list
		t.changed.installedApps[app.DeviceID] = true
	}
	return nil
}

func (t *familyTx) RemoveInstalledApps(_ context.Context, deviceID string, packageNames []string) error {
	t.s.Apps[deviceID] = slices.DeleteFunc(t.s.Apps[deviceID], func(a model.InstalledApp) bool {
		return slices.Contains(packageNames, a.PackageName)
	})
	t.changed.installedApps[deviceID] = true
	return nil
}

// usedTimeItems returns the used times of a category in day order
func (s *FamilyState) usedTimeItems(categoryID string) []model.UsedTimeItem {
	days := s.UsedTimes[categoryID]
	items := make([]model.UsedTimeItem, 0, len(days))
	for day, ms := range days {
		items = append(items, model.UsedTimeItem{CategoryID: categoryID, DayOfEpoch: day, UsedMillis: ms})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DayOfEpoch < items[j].DayOfEpoch })
	return items
}

// rulesOf returns the rules of a category in id order
func (s *FamilyState) rulesOf(categoryID string) []model.TimeLimitRule {
	var rules []model.TimeLimitRule
	for _, r := range s.Rules {
		if r.CategoryID == categoryID {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}
