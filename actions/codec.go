// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package actions

import (
	"encoding/json"
	"fmt"
	"sort"
)

type decoder func(data []byte) (Action, error)

func decodeAs[T Action](data []byte) (Action, error) {
	var a T
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return a, nil
}

var registry = map[string]decoder{
	KindAddUsedTime:                      decodeAs[AddUsedTimeAction],
	KindAddInstalledApps:                 decodeAs[AddInstalledAppsAction],
	KindRemoveInstalledApps:              decodeAs[RemoveInstalledAppsAction],
	KindUpdateDeviceStatus:               decodeAs[UpdateDeviceStatusAction],
	KindForceSync:                        decodeAs[ForceSyncAction],
	KindCreateCategory:                   decodeAs[CreateCategoryAction],
	KindDeleteCategory:                   decodeAs[DeleteCategoryAction],
	KindUpdateCategoryTitle:              decodeAs[UpdateCategoryTitleAction],
	KindAddCategoryApps:                  decodeAs[AddCategoryAppsAction],
	KindRemoveCategoryApps:               decodeAs[RemoveCategoryAppsAction],
	KindSetCategoryExtraTime:             decodeAs[SetCategoryExtraTimeAction],
	KindIncrementCategoryExtraTime:       decodeAs[IncrementCategoryExtraTimeAction],
	KindUpdateCategoryTemporarilyBlocked: decodeAs[UpdateCategoryTemporarilyBlockedAction],
	KindUpdateCategoryBlockedTimes:       decodeAs[UpdateCategoryBlockedTimesAction],
	KindSetParentCategory:                decodeAs[SetParentCategoryAction],
	KindUpdateCategoryBatteryLimit:       decodeAs[UpdateCategoryBatteryLimitAction],
	KindUpdateCategoryBlockNotifications: decodeAs[UpdateCategoryBlockNotificationsAction],
	KindCreateTimeLimitRule:              decodeAs[CreateTimeLimitRuleAction],
	KindUpdateTimeLimitRule:              decodeAs[UpdateTimeLimitRuleAction],
	KindDeleteTimeLimitRule:              decodeAs[DeleteTimeLimitRuleAction],
	KindAddUser:                          decodeAs[AddUserAction],
	KindRemoveUser:                       decodeAs[RemoveUserAction],
	KindSetUserDisableLimitsUntil:        decodeAs[SetUserDisableLimitsUntilAction],
	KindSetUserTimezone:                  decodeAs[SetUserTimezoneAction],
	KindUpdateUserBlockedTimes:           decodeAs[UpdateUserBlockedTimesAction],
	KindSetRelaxPrimaryDevice:            decodeAs[SetRelaxPrimaryDeviceAction],
	KindSetCategoryForUnassignedApps:     decodeAs[SetCategoryForUnassignedAppsAction],
	KindSetDeviceUser:                    decodeAs[SetDeviceUserAction],
	KindUpdateNetworkTimeVerification:    decodeAs[UpdateNetworkTimeVerificationAction],
	KindSetConsiderRebootManipulation:    decodeAs[SetConsiderRebootManipulationAction],
	KindIgnoreManipulation:               decodeAs[IgnoreManipulationAction],
	KindUpdateEnableActivityLevelBlock:   decodeAs[UpdateEnableActivityLevelBlockingAction],
	KindChildSignIn:                      decodeAs[ChildSignInAction],
	KindChildSetPrimaryDevice:            decodeAs[ChildSetPrimaryDeviceAction],
}

// Kinds lists every registered action kind in sorted order
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Marshal encodes an action as a JSON object with a "type" discriminator
func Marshal(a Action) ([]byte, error) {
	if _, ok := registry[a.Kind()]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, a.Kind())
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", a.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", a.Kind(), err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	kind, _ := json.Marshal(a.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Unmarshal decodes and validates an action produced by Marshal
func Unmarshal(data []byte) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if head.Type == "" {
		return nil, invalid("missing action type")
	}
	decode, ok := registry[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, head.Type)
	}
	a, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAction, head.Type, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
