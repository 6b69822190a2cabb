package cloudhttp

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// retryableTokens are substrings of an error message that mark it as
// transient (spec.md §4.2 "fetchWithRetry").
var retryableTokens = []string{
	"network",
	"timeout",
	"connection",
	"temporary",
	"service-unavailable",
	"service unavailable",
	"too-many-requests",
	"too many requests",
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, tok := range retryableTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// FetchWithRetry wraps FetchWithCorsHandling, retrying only on errors whose
// message matches a retryable token, with 2^attemptsDone × 1s backoff
// between attempts (spec.md §4.2, §8 scenario 2).
func (c *Client) FetchWithRetry(ctx context.Context, rawURL string, opts RequestOptions, retries int) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.FetchWithCorsHandling(ctx, rawURL, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if c.logger != nil {
			c.logger.Warn("retrying cloud fetch", "url", rawURL, "attempt", attempt, "error", err)
		}
	}
	return nil, lastErr
}
