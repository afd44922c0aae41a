package occurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 1, DaysBetween(20231231, 20240101))
	assert.Equal(t, 2, DaysBetween(20240228, 20240301)) // leap year
	assert.Equal(t, 1, DaysBetween(20230228, 20230301)) // non-leap year
	assert.Equal(t, 0, DaysBetween(20240101, 20240101))
}

func TestDayCodeAllDayUsesUTC(t *testing.T) {
	// A UTC midnight that, in a negative-offset local zone, would still be
	// "yesterday" must report the UTC day for an all-day event.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	orig := time.Local
	time.Local = loc
	defer func() { time.Local = orig }()

	utcMidnight := time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 20251225, dayCode(utcMidnight, true))
}

func TestDayCodeTimedUsesLocalZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	orig := time.Local
	time.Local = loc
	defer func() { time.Local = orig }()

	// 2025-01-01 00:30 UTC is still 2024-12-31 evening in America/New_York.
	t2 := time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, 20241231, dayCode(t2, false))
}

func TestCivilDayNumberRoundTrip(t *testing.T) {
	assert.Equal(t, 1, civilDayNumber(20240101)-civilDayNumber(20231231))
}
