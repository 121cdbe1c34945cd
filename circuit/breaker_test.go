package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		value    string
		expected BreakerSettings
		fail     bool
	}{{
		msg: "empty",
	}, {
		msg:      "all settings",
		value:    "failures=5,timeout=3s,half-open-requests=2",
		expected: BreakerSettings{Failures: 5, Timeout: 3 * time.Second, HalfOpenRequests: 2},
	}, {
		msg:   "unknown key",
		value: "window=5",
		fail:  true,
	}, {
		msg:   "invalid duration",
		value: "timeout=three",
		fail:  true,
	}, {
		msg:   "missing value",
		value: "failures",
		fail:  true,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			s, err := ParseSettings(ti.value)
			if ti.fail {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, ti.expected, s)
			assert.Equal(t, ti.value, s.String())
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{Failures: 3, Timeout: 20 * time.Millisecond})

	for range 3 {
		done, ok := b.Allow()
		require.True(t, ok)
		done(false)
	}

	_, ok := b.Allow()
	assert.False(t, ok)
	assert.False(t, b.Closed())

	time.Sleep(30 * time.Millisecond)
	done, ok := b.Allow()
	require.True(t, ok, "half-open after the timeout")
	done(true)
	assert.True(t, b.Closed())
}

func TestSuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{Failures: 2})
	for _, success := range []bool{false, true, false, true} {
		done, ok := b.Allow()
		require.True(t, ok)
		done(success)
	}

	assert.True(t, b.Closed())
}
