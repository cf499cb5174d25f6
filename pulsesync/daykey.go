// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"strings"
	"time"
)

// DayKeyLayout is the canonical partition key format: local calendar day.
const DayKeyLayout = "2006-01-02"

// Offset-carrying layouts describe an instant; the instant is converted into
// the target timezone before the day is taken.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05Z07:00",
}

// Offset-less layouts are wall-clock values; they are read directly in the
// target timezone.
var wallClockLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
}

// NormalizeDayKey canonicalizes a heterogeneous date-like string into a
// YYYY-MM-DD day key in the target timezone. The same instant always maps to
// the same key. Unparseable input fails with a ValidationError; the value is
// never guessed.
func NormalizeDayKey(value string, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(value)
	if s == "" {
		return "", &ValidationError{Field: "day_key", Reason: "empty date value"}
	}

	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc).Format(DayKeyLayout), nil
		}
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.Format(DayKeyLayout), nil
		}
	}

	return "", &ValidationError{Field: "day_key", Value: value, Reason: "unrecognized date format"}
}

// DayKeyOf returns the canonical day key for an already-typed time.
func DayKeyOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayKeyLayout)
}

// ValidateDayKey checks that key is already in canonical YYYY-MM-DD form.
func ValidateDayKey(key string) error {
	t, err := time.Parse(DayKeyLayout, key)
	if err != nil || t.Format(DayKeyLayout) != key {
		return &ValidationError{Field: "day_key", Value: key, Reason: "want YYYY-MM-DD"}
	}
	return nil
}
