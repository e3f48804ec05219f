// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package rules evaluates time limit rules into a remaining time budget.
package rules

import (
	"fmt"

	"github.com/mobiletoly/go-timelimit/model"
)

// RemainingTime is the budget left for today, with and without extra time
type RemainingTime struct {
	IncludingExtraTime int64 `json:"includingExtraTime"`
	Default            int64 `json:"default"`
}

// NewRemainingTime validates includingExtraTime >= def >= 0
func NewRemainingTime(includingExtraTime, def int64) (RemainingTime, error) {
	if def < 0 {
		return RemainingTime{}, fmt.Errorf("default remaining time must not be negative: %d", def)
	}
	if includingExtraTime < def {
		return RemainingTime{}, fmt.Errorf("remaining time including extra time (%d) is below default (%d)", includingExtraTime, def)
	}
	return RemainingTime{IncludingExtraTime: includingExtraTime, Default: def}, nil
}

func mustRemainingTime(includingExtraTime, def int64) *RemainingTime {
	rt, err := NewRemainingTime(includingExtraTime, def)
	if err != nil {
		panic(err)
	}
	return &rt
}

// UsingExtraTime reports whether the default budget is exhausted while extra time is left
func (r RemainingTime) UsingExtraTime() bool {
	return r.Default == 0 && r.IncludingExtraTime > 0
}

// Min combines two optional budgets; nil means no limit, so the other operand wins
func Min(a, b *RemainingTime) *RemainingTime {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &RemainingTime{
		IncludingExtraTime: min(a.IncludingExtraTime, b.IncludingExtraTime),
		Default:            min(a.Default, b.Default),
	}
}

// GetRemainingTime computes the budget for dayOfWeek (0 = Monday).
// usedTimes holds the usage of the current week indexed by day of week.
// It returns nil if no rule applies to the day.
func GetRemainingTime(dayOfWeek int, usedTimes [7]int64, rules []model.TimeLimitRule, extraTime int64) *RemainingTime {
	if extraTime < 0 {
		panic(fmt.Sprintf("extra time must not be negative: %d", extraTime))
	}

	related := make([]model.TimeLimitRule, 0, len(rules))
	for _, rule := range rules {
		if rule.AppliesTo(dayOfWeek) {
			related = append(related, rule)
		}
	}

	withoutExtraTime := remainingForRules(usedTimes, related, false)
	withExtraTime := remainingForRules(usedTimes, related, true)

	switch {
	case withoutExtraTime == nil && withExtraTime == nil:
		return nil
	case withoutExtraTime != nil && withExtraTime != nil:
		additional := *withExtraTime - *withoutExtraTime
		if additional < 0 {
			panic(fmt.Sprintf("rules bounding extra time allow less than all rules: %d < %d", *withExtraTime, *withoutExtraTime))
		}
		return mustRemainingTime(*withoutExtraTime+min(extraTime, additional), *withoutExtraTime)
	case withoutExtraTime != nil:
		return mustRemainingTime(*withoutExtraTime+extraTime, *withoutExtraTime)
	default:
		panic("remaining time with extra time exists without remaining time without extra time")
	}
}

// remainingForRules returns the minimum remaining time over the rules. With
// assumeMaximalExtraTime only rules that also bound extra time usage count.
func remainingForRules(usedTimes [7]int64, rules []model.TimeLimitRule, assumeMaximalExtraTime bool) *int64 {
	var result *int64
	for _, rule := range rules {
		if assumeMaximalExtraTime && !rule.ApplyToExtraTimeUsage {
			continue
		}

		var used int64
		for day := 0; day < 7; day++ {
			if rule.AppliesTo(day) {
				used += usedTimes[day]
			}
		}

		remaining := max(0, rule.MaximumTimeInMillis-used)
		if result == nil || remaining < *result {
			result = &remaining
		}
	}
	return result
}

// WeekUsage arranges used time items of one category into a per day of week vector
// for the week starting at firstDayOfWeek (a Monday, as day of epoch)
func WeekUsage(items []model.UsedTimeItem, firstDayOfWeek int) [7]int64 {
	var result [7]int64
	for _, item := range items {
		day := item.DayOfEpoch - firstDayOfWeek
		if day >= 0 && day < 7 {
			result[day] += item.UsedMillis
		}
	}
	return result
}
