package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/license"
)

func TestBufferedSlogHandler(t *testing.T) {
	logger, h := NewTestLogger(t)

	logger.With("component", "license").WithGroup("req").Warn("validation failed", "key", "****-1234")
	logger.Info("plain")

	require.Equal(t, 2, h.Count())
	assert.True(t, h.ContainsMessage("validation"))
	assert.True(t, h.ContainsAttr("component", "license"))
	assert.True(t, h.ContainsAttr("req.key", "****-1234"))
	assert.Len(t, h.GetRecordsByLevel(slog.LevelWarn), 1)
	AssertNoErrors(t, h)

	h.Clear()
	assert.Zero(t, h.Count())
}

func TestLicenseFixtures(t *testing.T) {
	assert.Equal(t, license.StatusUnused, UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day).Status)

	active := ActiveLicense("AAAA-BBBB-CCCC-DDDD", license.Week, "user-1", T0)
	assert.Equal(t, T0.Add(7*24*time.Hour), active.ExpiresAt)

	expired := ExpiredLicense("AAAA-BBBB-CCCC-DDDD", license.Day, "user-1")
	assert.Equal(t, license.StatusExpired, expired.Status)

	c := NewClock(T0)
	c.Advance(time.Minute)
	assert.Equal(t, T0.Add(time.Minute), c.Now())
}
