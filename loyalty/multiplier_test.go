package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func TestRecencyMultiplier_Bands(t *testing.T) {
	tests := []struct {
		from, to int
		want     string
	}{
		{0, 14, "3"},
		{15, 21, "2"},
		{22, 28, "1.75"},
		{29, 35, "1.5"},
		{36, 400, "1"},
	}
	for _, tt := range tests {
		for d := tt.from; d <= tt.to; d++ {
			days := d
			got := loyalty.RecencyMultiplier(&days)
			assert.Truef(t, got.Equal(dec(tt.want)), "days=%d: got %s, want %s", d, got, tt.want)
		}
	}
}

func TestRecencyMultiplier_NoPriorPayment(t *testing.T) {
	assert.True(t, loyalty.RecencyMultiplier(nil).Equal(loyalty.BaseMultiplier))
}

func TestDaysSince(t *testing.T) {
	last := epoch

	assert.Nil(t, loyalty.DaysSince(nil, epoch))

	d := loyalty.DaysSince(&last, epoch.Add(14*24*time.Hour+23*time.Hour))
	require.NotNil(t, d)
	assert.Equal(t, 14, *d, "partial days are floored")

	d = loyalty.DaysSince(&last, epoch.Add(-48*time.Hour))
	require.NotNil(t, d)
	assert.Equal(t, 0, *d, "payments out of order count as zero days")
}

func TestPointsForSpend(t *testing.T) {
	tests := []struct {
		cents      int64
		multiplier string
		want       int64
	}{
		{10000, "1", 100},
		{10000, "3", 300},
		{10050, "1", 101}, // 100.5 rounds half away from zero
		{10049, "1", 100},
		{1234, "1.75", 22}, // 21.595
		{999, "1.5", 15},   // 14.985
		{0, "3", 0},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, loyalty.PointsForSpend(tt.cents, dec(tt.multiplier)),
			"%d cents x %s", tt.cents, tt.multiplier)
	}
}
