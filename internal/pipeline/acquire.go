// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package pipeline

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"opm/internal/metrics"
	"opm/pkg/pm"
)

// fetcher downloads a package archive to a local temp path, supporting
// Range-resume and retrying transient failures with truncated exponential
// backoff and jitter. The retry shape mirrors the redfish client's
// request-retry loop, generalized from Redfish ops to package downloads.
type fetcher struct {
	httpClient *http.Client
	retryMax   int
	retryBase  time.Duration
	retryCap   time.Duration
}

func newFetcher(httpClient *http.Client) *fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &fetcher{
		httpClient: httpClient,
		retryMax:   6,
		retryBase:  200 * time.Millisecond,
		retryCap:   10 * time.Second,
	}
}

// fetchTo downloads url into destPath, resuming a partial download already
// present at destPath via Range requests. Returns the total bytes on disk
// after the fetch completes.
func (f *fetcher) fetchTo(ctx context.Context, pkgName, url, destPath string) (int64, error) {
	attempts := f.retryMax
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := f.attemptFetch(ctx, url, destPath)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == attempts {
			break
		}
		metrics.IncAcquireRetry(pkgName)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(f.backoff(attempt)):
		}
	}
	return 0, pm.ErrInstallAcquisition(lastErr)
}

func (f *fetcher) attemptFetch(ctx context.Context, url, destPath string) (int64, error) {
	var resumeFrom int64
	if fi, err := os.Stat(destPath); err == nil {
		resumeFrom = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, pm.NewError(pm.NetworkError, "request_build", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		metrics.ObserveAcquireRequest("fetch", -1, time.Since(start))
		return 0, pm.ErrNetworkTimeout(err)
	}
	defer resp.Body.Close()
	metrics.ObserveAcquireRequest("fetch", resp.StatusCode, time.Since(start))

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent:
		// The server must resume at exactly the byte count already on disk;
		// otherwise the partial file is discarded and the next attempt
		// restarts from zero.
		var rangeStart int64
		cr := strings.TrimLeft(strings.TrimPrefix(resp.Header.Get("Content-Range"), "bytes"), " =")
		if _, err := fmt.Sscanf(cr, "%d-", &rangeStart); err != nil || rangeStart != resumeFrom {
			_ = os.Remove(destPath)
			return 0, pm.NewError(pm.NetworkError, "range_mismatch",
				fmt.Errorf("GET %s: Content-Range %q does not resume at byte %d", url, resp.Header.Get("Content-Range"), resumeFrom)).
				WithRetryable(true)
		}
		flags |= os.O_APPEND
	case resumeFrom > 0 && resp.StatusCode == http.StatusOK:
		// Server ignored the Range header; restart from scratch.
		resumeFrom = 0
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
	default:
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return 0, pm.NewError(pm.NetworkError, "status", fmt.Errorf("GET %s: %s", url, resp.Status)).
			WithRetryable(retryable)
	}

	out, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return 0, pm.ErrStorageIO(err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return 0, pm.ErrNetworkTimeout(fmt.Errorf("download body: %w", err))
	}
	return resumeFrom + written, nil
}

func isRetryable(err error) bool {
	var pe *pm.Error
	if e, ok := err.(*pm.Error); ok {
		pe = e
	} else {
		return false
	}
	return pe.Retryable()
}

// backoff computes a truncated-exponential delay plus up to 20% jitter,
// grounded on the redfish client's attempt-indexed backoff shape.
func (f *fetcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := f.retryBase << uint(attempt-1)
	if d > f.retryCap || d <= 0 {
		d = f.retryCap
	}
	jitterRange := int64(d) / 5
	if jitterRange <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(jitterRange))
}
