// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	MinutesPerDay  = 24 * 60
	MinutesPerWeek = 7 * MinutesPerDay
)

const bitmaskWords = (MinutesPerWeek + 63) / 64

// MinuteBitmask marks minutes of a week (index = dayOfWeek*1440 + minuteOfDay, Monday first).
// The zero value is empty. It serializes as inclusive ranges, e.g. "0-59,600-719".
type MinuteBitmask struct {
	words [bitmaskWords]uint64
}

// IsEmpty reports whether no minute is set
func (m MinuteBitmask) IsEmpty() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// IsSet reports whether minute i is set; out of range minutes are never set
func (m MinuteBitmask) IsSet(i int) bool {
	if i < 0 || i >= MinutesPerWeek {
		return false
	}
	return m.words[i/64]&(1<<uint(i%64)) != 0
}

// WithRange returns a copy with minutes from..to (inclusive) set
func (m MinuteBitmask) WithRange(from, to int) MinuteBitmask {
	if from < 0 {
		from = 0
	}
	if to >= MinutesPerWeek {
		to = MinutesPerWeek - 1
	}
	for i := from; i <= to; i++ {
		m.words[i/64] |= 1 << uint(i%64)
	}
	return m
}

// Count returns the number of set minutes
func (m MinuteBitmask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// String renders the mask as comma separated inclusive ranges
func (m MinuteBitmask) String() string {
	var sb strings.Builder
	start := -1
	for i := 0; i <= MinutesPerWeek; i++ {
		set := i < MinutesPerWeek && m.IsSet(i)
		switch {
		case set && start < 0:
			start = i
		case !set && start >= 0:
			if sb.Len() > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(start))
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(i - 1))
			start = -1
		}
	}
	return sb.String()
}

// ParseMinuteBitmask parses the range notation produced by String
func ParseMinuteBitmask(s string) (MinuteBitmask, error) {
	var m MinuteBitmask
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			to = from
		}
		a, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return MinuteBitmask{}, fmt.Errorf("invalid range start %q: %w", part, err)
		}
		b, err := strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return MinuteBitmask{}, fmt.Errorf("invalid range end %q: %w", part, err)
		}
		if a < 0 || b >= MinutesPerWeek || a > b {
			return MinuteBitmask{}, fmt.Errorf("range %q out of bounds", part)
		}
		m = m.WithRange(a, b)
	}
	return m, nil
}

func (m MinuteBitmask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MinuteBitmask) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMinuteBitmask(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
