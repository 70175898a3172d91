package cache

import "fmt"

// RateLimitKey namespaces a fixed-window counter by subject kind.
func RateLimitKey(kind, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", kind, subject)
}
