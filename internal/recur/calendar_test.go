package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{at(2024, 1, 31, 9, 0), 1, at(2024, 2, 29, 9, 0)},
		{at(2023, 1, 31, 9, 0), 1, at(2023, 2, 28, 9, 0)},
		{at(2024, 1, 31, 9, 0), 2, at(2024, 3, 31, 9, 0)},
		{at(2024, 11, 30, 23, 15), 3, at(2025, 2, 28, 23, 15)},
		{at(2024, 5, 15, 0, 0), -5, at(2023, 12, 15, 0, 0)},
		{at(2024, 3, 31, 0, 0), -1, at(2024, 2, 29, 0, 0)},
		{at(2024, 6, 1, 12, 0), 0, at(2024, 6, 1, 12, 0)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AddMonths(tt.in, tt.n), "AddMonths(%s, %d)", tt.in, tt.n)
	}
}

func TestHorizonDefault(t *testing.T) {
	assert.Equal(t, at(2024, 4, 30, 10, 0), Horizon(at(2024, 1, 31, 10, 0), DefaultHorizonMonths))
}

func TestStartOfDayAndSameDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	ref := time.Date(2024, 3, 10, 1, 30, 0, 0, loc)

	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, loc), StartOfDay(ref))

	// 2024-03-09 17:00 UTC is 2024-03-10 02:00 in UTC+9.
	assert.True(t, SameDay(time.Date(2024, 3, 9, 17, 0, 0, 0, time.UTC), ref))
	assert.False(t, SameDay(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC), ref))
}

func TestClocks(t *testing.T) {
	fixed := FixedClock(at(2024, 1, 1, 0, 0))
	assert.Equal(t, at(2024, 1, 1, 0, 0), fixed.Now())

	loc := time.FixedZone("X", 3600)
	assert.Equal(t, loc, SystemClock{Location: loc}.Now().Location())
}
