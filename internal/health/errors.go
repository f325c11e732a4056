package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrCircuitOpen is matched by every OpenError
var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError is returned without touching the dependency while a breaker is open
type OpenError struct {
	Dependency string
	RetryAt    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry after %s)", e.Dependency, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsTimeoutError detects deadline and network timeout failures
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsQuotaError detects if an error is related to quota exhaustion or rate limiting
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	lowerBody := strings.ToLower(err.Error())
	quotaPatterns := []string{
		"quota exceeded",
		"rate limit",
		"too many requests",
		"429",
		"insufficient_quota",
		"rate_limit_exceeded",
	}

	for _, pattern := range quotaPatterns {
		if strings.Contains(lowerBody, pattern) {
			return true
		}
	}

	return false
}
