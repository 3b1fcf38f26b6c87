// Package httpapi implements the Resilient Fetch Engine's HTTP Core: one
// logical call per Request, with status-code-dispatched retry/backoff and
// a typed EntityTooLarge signal for the Fetch Engine to bisect on
package httpapi

import (
	"bytes"
	"context"
	json "encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	perr "rangefeed/internal/platform/errors"
	"rangefeed/internal/platform/logger"
	pstrings "rangefeed/internal/platform/strings"
	"rangefeed/internal/services/extract/domain"
)

// entityTooLargeMarker is the substring the upstream API embeds in a 5xx
// body when a query's result set exceeds its own size ceiling
const entityTooLargeMarker = "Response Entity Too Large"

// RetryPolicy is an explicit, inspectable retry/backoff configuration,
// passed into the HTTP Core instead of living behind a hidden decorator
type RetryPolicy struct {
	MaxAttempts       int             // total attempts, including the first; <=0 -> 1
	InitialWait       time.Duration   // wait before the first retry
	Multiplier        float64         // growth factor applied each subsequent retry
	RetryableStatuses map[int]bool    // extra statuses to retry beyond the default 5xx rule
}

// DefaultRetryPolicy matches spec: 3 attempts, 2s initial wait, doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		InitialWait: 2 * time.Second,
		Multiplier:  2,
		RetryableStatuses: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// backoffFor builds a fresh exponential backoff sequence from a policy.
// RandomizationFactor is zeroed so wait times are deterministic and
// inspectable in tests, matching the design note's intent
func (p RetryPolicy) backoffFor() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialWait
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall time
	b.Reset()
	return b
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryableStatus(status int) bool {
	if p.RetryableStatuses != nil && p.RetryableStatuses[status] {
		return true
	}
	return status >= 500
}

// Client performs HTTP calls on behalf of the Count Probe and Fetch Engine
type Client struct {
	http    *http.Client
	auth    domain.Bearer
	policy  RetryPolicy
	log     logger.Logger
	headers map[string]string

	// seams for deterministic tests
	sleep func(time.Duration)
}

// NewClient builds a Client. httpClient may be nil to use a fresh zero-value http.Client.
// httpClient should carry no blanket Timeout: callers attach a
// per-request deadline via context (30s for probes/OAuth, 60s for page
// fetches, per spec) instead, since http.Client.Timeout can't distinguish
// between call sites sharing one Client. defaultHeaders are sent on every
// request and may be overridden per-call
func NewClient(httpClient *http.Client, auth domain.Bearer, policy RetryPolicy, defaultHeaders map[string]string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:    httpClient,
		auth:    auth,
		policy:  policy,
		log:     *logger.Named("httpapi"),
		headers: defaultHeaders,
		sleep:   time.Sleep,
	}
}

// Request performs one logical HTTP call, retrying transient failures per
// the configured RetryPolicy, and decodes a JSON response into out (which
// may be nil to discard the body). Only GET and HEAD count as idempotent:
// a 4xx listed in RetryableStatuses (such as 429) is retried for those
// methods alone, while 5xx responses and transport errors are retried for
// every method
func (c *Client) Request(ctx context.Context, method, rawURL string, headers map[string]string, body any, out any) error {
	idempotent := method == http.MethodGet || method == http.MethodHead

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeJSON, "httpapi: marshal request body")
		}
		bodyBytes = b
	}

	bo := c.policy.backoffFor()
	attempts := c.policy.maxAttempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, respBody, err := c.doOnce(ctx, method, rawURL, headers, bodyBytes)
		if err != nil {
			if _, ok := perr.As(err); ok {
				// already classified (e.g. a failed token refresh): keep its code
				lastErr = err
			} else {
				lastErr = classifyTransportErr(err)
			}
			if !perr.Retryable(lastErr) || attempt == attempts-1 {
				return lastErr
			}
			c.waitAndLog(bo, attempt, "transport error")
			continue
		}

		if resp.StatusCode < 400 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return perr.Wrapf(err, perr.ErrorCodeJSON, "httpapi: decode response body")
				}
			}
			return nil
		}

		switch resp.StatusCode {
		case http.StatusBadRequest:
			return perr.BadRequestf("httpapi: bad request (400) for %s", rawURL)
		case http.StatusUnauthorized:
			return perr.Unauthorizedf("httpapi: unauthorized (401) for %s", rawURL)
		case http.StatusForbidden:
			return perr.Forbiddenf("httpapi: forbidden (403) for %s", rawURL)
		}

		if resp.StatusCode >= 500 && pstrings.Contains(string(respBody), entityTooLargeMarker) {
			return perr.EntityTooLargef("httpapi: entity too large for %s", rawURL)
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			if !idempotent || !c.policy.retryableStatus(resp.StatusCode) {
				return perr.ClientErrorf("httpapi: client error %d for %s", resp.StatusCode, rawURL)
			}
		}

		if resp.StatusCode >= 500 {
			lastErr = perr.ServerErrorf("httpapi: server error %d for %s", resp.StatusCode, rawURL)
		} else {
			lastErr = perr.ClientErrorf("httpapi: status %d for %s", resp.StatusCode, rawURL)
		}

		if attempt == attempts-1 || !c.policy.retryableStatus(resp.StatusCode) {
			return lastErr
		}
		c.waitAndLog(bo, attempt, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return lastErr
}

func (c *Client) waitAndLog(bo *backoff.ExponentialBackOff, attempt int, reason string) {
	wait := bo.NextBackOff()
	c.log.Warn().Int("attempt", attempt).Dur("wait", wait).Str("reason", reason).Msg("httpapi: retrying")
	c.sleep(wait)
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*http.Response, []byte, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeClientError, "httpapi: invalid url")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		bearer, err := c.auth.Bearer(ctx)
		if err != nil {
			return nil, nil, err
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, b, nil
}

// classifyTransportErr maps a raw net/http transport error to our codes
func classifyTransportErr(err error) error {
	var netErr interface{ Timeout() bool }
	if ok := asTimeout(err, &netErr); ok && netErr.Timeout() {
		return perr.Wrapf(err, perr.ErrorCodeTimeout, "httpapi: request timed out")
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return perr.Wrapf(err, perr.ErrorCodeTimeout, "httpapi: request timed out")
	}
	return perr.Wrapf(err, perr.ErrorCodeConnection, "httpapi: connection error")
}

func asTimeout(err error, target *interface{ Timeout() bool }) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		*target = t
		return true
	}
	return false
}
