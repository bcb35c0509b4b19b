package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fixloop/fixloop/internal/types"
)

// WaitUntilReady polls url with HTTP GET until it answers with any 2xx or
// 3xx status, the timeout elapses, or ctx is cancelled. Polls are paced by a
// rate limiter so a fast-failing endpoint does not get hammered.
func WaitUntilReady(ctx context.Context, url string, timeout, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{
		Timeout: pollInterval,
		// A redirect already proves the server is up.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)

	var lastErr error
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if lastErr != nil {
				return fmt.Errorf("%w: %s not ready after %v (last error: %v)", types.ErrDeployment, url, timeout, lastErr)
			}
			return fmt.Errorf("%w: %s not ready after %v", types.ErrDeployment, url, timeout)
		}

		req, err := http.NewRequestWithContext(waitCtx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%w: invalid readiness URL %s: %v", types.ErrDeployment, url, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()

		if status >= 200 && status < 400 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", status)
	}
}
