package droverr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasUsageLimitFingerprint(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"usage limit phrase", "You have hit your usage limit", true},
		{"rate limit phrase", "RATE LIMIT exceeded, slow down", true},
		{"quota phrase", "monthly quota exceeded", true},
		{"429 phrase", "HTTP 429: too many requests", true},
		{"limit exceeded phrase", "request limit exceeded for plan", true},
		{"mixed case", "Usage Limit reached", true},
		{"unrelated error", "segmentation fault", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasUsageLimitFingerprint(tt.text))
		})
	}
}

func TestParseResetDelay(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Duration
	}{
		{"seconds", "rate limit exceeded, reset in 2 seconds", 2 * time.Second},
		{"singular second", "reset in 1 second", time.Second},
		{"minutes", "quota exceeded. Reset in 5 minutes.", 5 * time.Minute},
		{"hours", "usage limit, reset in 3 hours", 3 * time.Hour},
		{"mixed case units", "Reset In 10 MINUTES", 10 * time.Minute},
		{"no reset clause", "rate limit exceeded", DefaultUsageLimitWait},
		{"malformed count", "reset in soon minutes", DefaultUsageLimitWait},
		{"empty", "", DefaultUsageLimitWait},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResetDelay(tt.text))
		})
	}
}

func TestClassifyWorkerExit(t *testing.T) {
	t.Run("exit zero is not an error", func(t *testing.T) {
		assert.Nil(t, ClassifyWorkerExit(0, "anything"))
	})

	t.Run("usage limit wins over other fingerprints", func(t *testing.T) {
		e := ClassifyWorkerExit(1, "network rate limit exceeded")
		require.NotNil(t, e)
		assert.Equal(t, ExitUsageLimit, e.Class)
		assert.True(t, e.Retryable)
	})

	t.Run("network is retryable", func(t *testing.T) {
		e := ClassifyWorkerExit(7, "connection refused")
		require.NotNil(t, e)
		assert.Equal(t, ExitNetwork, e.Class)
		assert.True(t, e.Retryable)
	})

	t.Run("auth is not retryable", func(t *testing.T) {
		e := ClassifyWorkerExit(2, "authentication failed")
		require.NotNil(t, e)
		assert.Equal(t, ExitAuth, e.Class)
		assert.False(t, e.Retryable)
	})

	t.Run("permission denied is auth", func(t *testing.T) {
		e := ClassifyWorkerExit(2, "permission denied for resource")
		require.NotNil(t, e)
		assert.Equal(t, ExitAuth, e.Class)
	})

	t.Run("generic exits retry only for known codes", func(t *testing.T) {
		for code, retryable := range map[int]bool{1: true, 130: true, 143: true, 2: false, 137: false, 255: false} {
			e := ClassifyWorkerExit(code, "boom")
			require.NotNil(t, e)
			assert.Equal(t, ExitGeneric, e.Class)
			assert.Equal(t, retryable, e.Retryable, "exit code %d", code)
		}
	})
}

func TestErrorChain(t *testing.T) {
	cause := assert.AnError
	e := Wrap(CodeDbUnavailable, cause, "open %s", "sessions.db")

	assert.Equal(t, CodeDbUnavailable, CodeOf(e))
	assert.ErrorIs(t, e, cause)
	assert.False(t, IsRetryable(e))
	assert.Equal(t, SeverityCritical, e.Severity)
	assert.Contains(t, e.Error(), "sessions.db")
}

func TestDefaultRetryability(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeDbBusy, "locked")))
	assert.True(t, IsRetryable(New(CodeTimeout, "deadline")))
	assert.False(t, IsRetryable(New(CodeNotFound, "missing")))
	assert.False(t, IsRetryable(assert.AnError))
}
