// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	ckserrors "github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
)

// ProviderError is a classified provider failure.
//
// Message is always redacted before construction; it never carries API keys.
type ProviderError struct {
	// Status is the HTTP status that produced the error, 0 for non-HTTP.
	Status int

	// Kind classifies the failure per the shared taxonomy.
	Kind ckserrors.Kind

	// RetryAfter is the server-requested delay for rate limits, 0 if absent.
	RetryAfter time.Duration

	// Message is the redacted description.
	Message string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	return e.Kind.Retryable()
}

// classifyHTTPStatus maps an HTTP response status to an error kind.
//
// Retryable: 429 (rate limit), 408/504 (timeout), remaining 5xx, 503.
// Fatal: 400 (bad request), 401/403 (auth).
func classifyHTTPStatus(status int) ckserrors.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return ckserrors.KindTransient
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ckserrors.KindTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ckserrors.KindAuth
	case status == http.StatusBadRequest:
		return ckserrors.KindValidation
	case status >= 500:
		return ckserrors.KindTransient
	default:
		return ckserrors.KindUnknown
	}
}

// newHTTPError builds a redacted ProviderError from an HTTP response.
func newHTTPError(status int, body string, header http.Header) *ProviderError {
	pe := &ProviderError{
		Status:  status,
		Kind:    classifyHTTPStatus(status),
		Message: redact.String(body),
	}
	if status == http.StatusTooManyRequests {
		pe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return pe
}

// newTransportError classifies a transport-level failure (DNS, reset,
// context deadline). All of these are retryable except cancellation.
func newTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := ckserrors.KindTransient
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTemporary && !dnsErr.IsTimeout && dnsErr.IsNotFound {
		// ENOTFOUND is transient per the retry policy: a flaky resolver
		// looks identical to a missing host.
		kind = ckserrors.KindTransient
	}
	return &ProviderError{
		Kind:    kind,
		Message: redact.String(err.Error()),
	}
}

// parseRetryAfter parses a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// isRetryable reports whether an arbitrary error should be retried.
func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var ue *ckserrors.UserError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// retryPolicy governs per-sub-batch retry behavior.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func defaultRetryPolicy(maxRetries int) retryPolicy {
	return retryPolicy{
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// backoffDelay computes the delay before the given attempt (0-based):
// baseDelay * 2^attempt, capped, with full jitter. A server-provided
// Retry-After wins when longer.
func (p retryPolicy) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	d := p.baseDelay << attempt
	if d > p.maxDelay || d <= 0 {
		d = p.maxDelay
	}
	d = jitter(d)
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

var jitterMu sync.Mutex
var jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// jitter returns a random duration in (0, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return time.Duration(jitterRand.Int63n(int64(d))) + 1
}

// embedWithRetry runs fn for each sub-batch with the retry policy,
// concatenating results in input order.
//
// Each sub-batch gets maxRetries+1 attempts. Non-retryable errors and
// exhausted budgets abort the whole call: partial embeddings are never
// returned.
func embedWithRetry(
	ctx context.Context,
	texts []string,
	caps Capabilities,
	policy retryPolicy,
	logger *slog.Logger,
	fn func(ctx context.Context, batch []string) ([][]float32, error),
) ([][]float32, error) {
	if err := validateTexts(texts, caps); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for batchIdx, batch := range splitBatches(texts, caps.MaxBatchSize) {
		var vectors [][]float32
		var err error
		for attempt := 0; attempt <= policy.maxRetries; attempt++ {
			start := time.Now()
			vectors, err = fn(ctx, batch)
			if err == nil {
				recordEmbedRequest(len(batch), time.Since(start).Seconds())
				break
			}
			if !isRetryable(err) || attempt == policy.maxRetries {
				break
			}
			var retryAfter time.Duration
			var pe *ProviderError
			if errors.As(err, &pe) {
				retryAfter = pe.RetryAfter
			}
			sleep := policy.backoffDelay(attempt, retryAfter)
			recordEmbedRetry()
			logger.Warn("embedding.retry",
				"batch", batchIdx,
				"attempt", attempt+1,
				"sleep_ms", sleep.Milliseconds(),
				"err", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, &ProviderError{
				Kind:    ckserrors.KindUnknown,
				Message: fmt.Sprintf("provider returned %d vectors for %d texts", len(vectors), len(batch)),
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}
