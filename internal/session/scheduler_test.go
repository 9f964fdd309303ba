package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun_LaterToday(t *testing.T) {
	now := time.Date(2025, 9, 15, 8, 0, 0, 0, time.UTC)
	next, err := NextRun(now, "09:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 15, 9, 30, 0, 0, time.UTC), next)
}

func TestNextRun_RollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)
	next, err := NextRun(now, "09:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 16, 9, 30, 0, 0, time.UTC), next)
}

func TestNextRun_ExactTimeRollsOver(t *testing.T) {
	now := time.Date(2025, 9, 15, 9, 30, 0, 0, time.UTC)
	next, err := NextRun(now, "09:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 16, 9, 30, 0, 0, time.UTC), next)
}

func TestNextRun_InvalidFormat(t *testing.T) {
	_, err := NextRun(time.Now(), "25:99")
	assert.Error(t, err)
}
