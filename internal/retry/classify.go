package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/minio/minio-go/v7"
)

// IsRetryable classifies err as transient (retry) or terminal
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}

	// S3 error responses carry the HTTP status
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode != 0 {
		return retryableStatus(resp.StatusCode) || retryableCode(resp.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	// Check for network-related errors
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") ||
		// S3 throttling
		strings.Contains(errStr, "requesttimeout") ||
		strings.Contains(errStr, "slowdown") ||
		strings.Contains(errStr, "throttling") ||
		// HTTP 5xx server errors
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		// Filesystem and database locks
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "resource temporarily unavailable")
}

func retryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code < 600)
}

func retryableCode(code string) bool {
	switch code {
	case "RequestTimeout", "SlowDown", "ThrottlingException", "InternalError", "ServiceUnavailable":
		return true
	}
	return false
}
