// Package probe implements the Count Probe: minimal requests that ask the
// upstream search API how many records a window would return, without
// paying for the records themselves
package probe

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	perr "rangefeed/internal/platform/errors"
	"rangefeed/internal/platform/logger"
	"rangefeed/internal/services/extract/domain"
)

const (
	isoMicro     = "2006-01-02T15:04:05.000000Z"
	pacingWait   = 500 * time.Millisecond
	probeTimeout = 30 * time.Second
)

// newPacer builds a token-bucket limiter that allows one probe every
// pacingWait, with a burst of 1 so the very first call never blocks
func newPacer() *rate.Limiter { return rate.NewLimiter(rate.Every(pacingWait), 1) }

// countResponse mirrors the upstream GET .../{endpoint}?offset=0&limit=1
// response shape: a declared total, or a data slice to fall back on
type countResponse struct {
	Total *int  `json:"total"`
	Data  []any `json:"data"`
}

// Probe issues count-only requests against a window
type Probe struct {
	http domain.HTTPRequester
	log  logger.Logger

	// pace rate-limits outbound probes to pacingWait apart. Tests swap it
	// for a rate.Inf limiter so Wait never blocks
	pace *rate.Limiter
}

// New builds a Probe backed by an HTTPRequester (the httpapi.Client)
func New(http domain.HTTPRequester) *Probe {
	return &Probe{http: http, log: *logger.Named("probe"), pace: newPacer()}
}

var _ domain.CountProber = (*Probe)(nil)

// EstimateCount issues GET {endpoint}?offset=0&limit=1&from=..&to=.. and
// returns the server's declared total, or the length of its data slice as
// a fallback, or an absent estimate on any non-401 failure. A 401 is
// re-raised so it can abort the run
func (p *Probe) EstimateCount(ctx context.Context, endpoint string, win domain.TimeWindow, extraParams map[string]any) (domain.CountEstimate, error) {
	if err := p.pace.Wait(ctx); err != nil {
		return domain.AbsentCount(), err
	}

	url := fmt.Sprintf("%s?offset=0&limit=1&from=%s&to=%s",
		endpoint, win.From.UTC().Format(isoMicro), win.To.UTC().Format(isoMicro))

	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var resp countResponse
	if err := p.http.Request(reqCtx, "GET", url, nil, nil, &resp); err != nil {
		if perr.IsCode(err, perr.ErrorCodeUnauthorized) {
			return domain.AbsentCount(), err
		}
		p.log.Warn().Err(err).Str("endpoint", endpoint).Msg("probe: count request failed, treating as absent")
		return domain.AbsentCount(), nil
	}

	if resp.Total != nil {
		return domain.CountEstimate{Value: *resp.Total}, nil
	}
	return domain.CountEstimate{Value: len(resp.Data)}, nil
}
