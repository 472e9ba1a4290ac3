package icron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTriggerInfo_CronExpression(t *testing.T) {
	ref := time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)

	info, err := GetTriggerInfo("*/10 * * * *", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 20, 0, 0, time.UTC), info.Next)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 10, 0, 0, time.UTC), info.Last)
	assert.Equal(t, 5*time.Minute, info.TimeSinceLast)
	assert.Equal(t, 5*time.Minute, info.TimeUntilNext)
}

func TestGetTriggerInfo_DailyLooksBackAcrossDays(t *testing.T) {
	ref := time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC)

	info, err := GetTriggerInfo("30 3 * * *", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 3, 30, 0, 0, time.UTC), info.Next)
	assert.Equal(t, time.Date(2026, 3, 3, 3, 30, 0, 0, time.UTC), info.Last)
}

func TestGetTriggerInfo_Descriptor(t *testing.T) {
	ref := time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)

	info, err := GetTriggerInfo("@every 30s", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(30*time.Second), info.Next)
	assert.False(t, info.Last.After(ref))
}

func TestGetTriggerInfo_Invalid(t *testing.T) {
	_, err := GetTriggerInfo("not a schedule", time.Now())
	require.Error(t, err)
}
