package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Every(90 * time.Second)
	assert.Equal(t, now.Add(90*time.Second), s.Next(now))
	assert.Equal(t, "every 1m30s", s.String())
	assert.True(t, Every(0).Next(now).IsZero())
}

func TestCron(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 7, 30, 0, time.UTC)

	s, err := Cron("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 15, 0, 0, time.UTC), s.Next(now))
	assert.Equal(t, "*/15 * * * *", s.String())

	hourly := MustCron("@hourly")
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), hourly.Next(now))
}

func TestCronRejectsGarbage(t *testing.T) {
	_, err := Cron("not a schedule")
	assert.Error(t, err)
	assert.Panics(t, func() { MustCron("61 * * * *") })
}
