package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "time %v outside [%v, %v]", got, before, after)
}

func TestClockNowSurvivesMillisecondRoundTrip(t *testing.T) {
	t.Parallel()

	got := New().Now()
	require.Zero(t, got.Nanosecond()%int(Resolution))
	require.True(t, got.Equal(time.UnixMilli(got.UnixMilli())))
}
