package droverr

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// usageLimitFingerprints are matched case-insensitively against worker
// stderr to detect a rate or quota refusal.
var usageLimitFingerprints = []string{
	"usage limit",
	"rate limit",
	"quota exceeded",
	"too many requests",
	"limit exceeded",
}

// retryableExitCodes are the generic non-zero exits worth retrying:
// 1 (generic failure), 130 (SIGINT), 143 (SIGTERM).
var retryableExitCodes = map[int]bool{1: true, 130: true, 143: true}

var resetPattern = regexp.MustCompile(`(?i)reset\s+in\s+(\d+)\s*(second|minute|hour)s?`)

// DefaultUsageLimitWait is slept when a usage-limit message carries no
// parseable reset time.
const DefaultUsageLimitWait = 15 * time.Minute

// HasUsageLimitFingerprint reports whether text contains any known
// usage-limit phrase, case-insensitively.
func HasUsageLimitFingerprint(text string) bool {
	lower := strings.ToLower(text)
	for _, fp := range usageLimitFingerprints {
		if strings.Contains(lower, fp) {
			return true
		}
	}
	return false
}

// ParseResetDelay extracts the wait duration from a usage-limit message
// of the form "reset in N seconds|minutes|hours". Malformed or absent
// reset clauses yield DefaultUsageLimitWait.
func ParseResetDelay(text string) time.Duration {
	m := resetPattern.FindStringSubmatch(text)
	if m == nil {
		return DefaultUsageLimitWait
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return DefaultUsageLimitWait
	}
	switch strings.ToLower(m[2]) {
	case "second":
		return time.Duration(n) * time.Second
	case "minute":
		return time.Duration(n) * time.Minute
	case "hour":
		return time.Duration(n) * time.Hour
	}
	return DefaultUsageLimitWait
}

// ClassifyWorkerExit maps a non-zero worker exit to a typed error using
// the exit code and the collected stderr. Exit code 0 returns nil.
func ClassifyWorkerExit(exitCode int, stderr string) *Error {
	if exitCode == 0 {
		return nil
	}
	lower := strings.ToLower(stderr)

	switch {
	case HasUsageLimitFingerprint(lower):
		return &Error{
			Code:      CodeWorkerExit,
			Class:     ExitUsageLimit,
			Severity:  SeverityWarning,
			Retryable: true,
			Message:   "worker hit usage limit (exit " + strconv.Itoa(exitCode) + ")",
		}
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return &Error{
			Code:      CodeWorkerExit,
			Class:     ExitNetwork,
			Severity:  SeverityWarning,
			Retryable: true,
			Message:   "worker network failure (exit " + strconv.Itoa(exitCode) + ")",
		}
	case strings.Contains(lower, "auth") || strings.Contains(lower, "permission"):
		return &Error{
			Code:      CodeWorkerExit,
			Class:     ExitAuth,
			Severity:  SeverityError,
			Retryable: false,
			Message:   "worker auth failure (exit " + strconv.Itoa(exitCode) + ")",
		}
	default:
		return &Error{
			Code:      CodeWorkerExit,
			Class:     ExitGeneric,
			Severity:  SeverityError,
			Retryable: retryableExitCodes[exitCode],
			Message:   "worker exited with code " + strconv.Itoa(exitCode),
		}
	}
}

// ClassifyFilesystem wraps an I/O error, marking the transient errno
// family (EMFILE, ENFILE, EAGAIN, EBUSY) as retryable.
func ClassifyFilesystem(op string, cause error) *Error {
	retryable := errors.Is(cause, syscall.EMFILE) ||
		errors.Is(cause, syscall.ENFILE) ||
		errors.Is(cause, syscall.EAGAIN) ||
		errors.Is(cause, syscall.EBUSY)
	return &Error{
		Code:      CodeFilesystem,
		Severity:  SeverityError,
		Retryable: retryable,
		Message:   op,
		Cause:     cause,
	}
}
