package utils

import (
	"strings"
)

// IsTransientDeviceError determines if an error from a device query is likely
// to succeed on retry, e.g. a node that appeared before the kernel finished
// setting it up.
func IsTransientDeviceError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"device or resource busy",
		"no medium found",
		"resource temporarily unavailable",
		"input/output error",
		"try again",
		"device not ready",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
