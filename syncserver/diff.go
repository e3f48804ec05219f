// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"slices"
	"sort"

	"github.com/mobiletoly/go-timelimit/model"
)

// diff collects every aspect whose version differs from the client's.
// Used times before minDay are left out.
func diff(s *FamilyState, client *ClientDataStatus, minDay int) *ServerDataStatus {
	out := &ServerDataStatus{}

	if client.Devices != s.DevicesVersion {
		devices := make([]model.Device, 0, len(s.Devices))
		for _, d := range s.Devices {
			devices = append(devices, d)
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
		out.Devices = &DeviceList{Version: s.DevicesVersion, Devices: devices}
	}

	if client.Users != s.UsersVersion {
		users := make([]model.User, 0, len(s.Users))
		for _, u := range s.Users {
			users = append(users, u)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
		out.Users = &UserList{Version: s.UsersVersion, Users: users}
	}

	for _, deviceID := range sortedKeys(s.InstalledAppsVersion) {
		version := s.InstalledAppsVersion[deviceID]
		if client.InstalledApps[deviceID] == version {
			continue
		}
		out.InstalledApps = append(out.InstalledApps, InstalledAppsList{
			DeviceID: deviceID,
			Version:  version,
			Apps:     slices.Clone(s.Apps[deviceID]),
		})
	}

	categories := make([]model.Category, 0, len(s.Categories))
	for _, c := range s.Categories {
		categories = append(categories, c)
	}
	sortCategories(categories)
	for _, c := range categories {
		held := client.Categories[c.ID]
		if held.Base != c.BaseVersion {
			out.CategoryBases = append(out.CategoryBases, c)
		}
		if held.Apps != c.AppsVersion {
			out.CategoryApps = append(out.CategoryApps, CategoryAppsList{
				CategoryID: c.ID,
				Version:    c.AppsVersion,
				Apps:       slices.Clone(s.CategoryApps[c.ID]),
			})
		}
		if held.Rules != c.RulesVersion {
			out.CategoryRules = append(out.CategoryRules, CategoryRulesList{
				CategoryID: c.ID,
				Version:    c.RulesVersion,
				Rules:      s.rulesOf(c.ID),
			})
		}
		if held.UsedTimes != c.UsedTimesVersion {
			items := slices.DeleteFunc(s.usedTimeItems(c.ID), func(item model.UsedTimeItem) bool { return item.DayOfEpoch < minDay })
			out.CategoryUsedTimes = append(out.CategoryUsedTimes, CategoryUsedTimes{
				CategoryID: c.ID,
				Version:    c.UsedTimesVersion,
				Items:      items,
			})
		}
	}

	for _, id := range sortedKeys(client.Categories) {
		if _, ok := s.Categories[id]; !ok {
			out.RemovedCategories = append(out.RemovedCategories, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
