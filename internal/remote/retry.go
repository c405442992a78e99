package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// defaultMaxAttempts is the number of tries before a request gives up.
	defaultMaxAttempts = 3

	// defaultBackoffUnit is multiplied by the retry number to get the wait
	// before that retry: 1s before the second attempt, 2s before the third.
	defaultBackoffUnit = time.Second
)

// linearBackoff returns a retryablehttp.Backoff that waits (n+1)*unit before
// retry n. retryablehttp numbers retries from zero.
func linearBackoff(unit time.Duration) retryablehttp.Backoff {
	return func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return time.Duration(attemptNum+1) * unit
	}
}

// checkRetry retries transport failures, timeouts and 5xx responses. Every
// 4xx is terminal, as is a cancelled or expired caller context.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	// Transport errors, including per-attempt timeouts, are transient.
	if err != nil || resp == nil {
		return true, nil
	}
	return resp.StatusCode >= 500, nil
}
