package cache

import "fmt"

// RateLimitKey is the counter key of one caller in one window.
func RateLimitKey(principal string, window int64) string {
	return fmt.Sprintf("pds:ratelimit:%s:%d", principal, window)
}
