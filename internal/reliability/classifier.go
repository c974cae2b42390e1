package reliability

import (
	"net/http"
	"time"
)

// retryableStatus lists provider responses worth another attempt. 404 is
// included because telephony providers announce recordings slightly before
// the media is downloadable.
var retryableStatus = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusRequestTimeout:      true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func IsRetryableHTTPStatus(code int) bool {
	return retryableStatus[code]
}

// ExponentialBackoff returns base doubled attempt times, never above cap.
// Attempt 0 waits base.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return min(base, cap)
	}
	if attempt >= 62 {
		return cap
	}
	d := base << attempt
	if d <= 0 || d > cap || d>>attempt != base {
		return cap
	}
	return d
}
