// Package fetch implements the Resilient Fetch Engine: paginated
// retrieval over a planned window, with adaptive window splitting ahead
// of pagination and recursive bisection recovery when a page comes back
// "entity too large"
package fetch

import (
	"context"
	"time"

	perr "rangefeed/internal/platform/errors"
	"rangefeed/internal/platform/logger"
	"rangefeed/internal/services/extract/domain"
)

const (
	defaultPageSize          = 20
	defaultMaxPages          = 100
	defaultMaxBisectionDepth = 5
	pagingPacingWait         = 500 * time.Millisecond
	bisectPacingWait         = 2 * time.Second
	pageFetchTimeout         = 60 * time.Second
	bisectRetryBudget        = 3

	isoMicro = "2006-01-02T15:04:05.000000Z"
)

// page mirrors the upstream POST {endpoint} response: either a "hits"
// array of raw records, or each hit wrapping a "data" record
type page struct {
	Hits  []map[string]any `json:"hits"`
	Total *int             `json:"total"`
}

// Engine satisfies domain.Fetcher
type Engine struct {
	http    domain.HTTPRequester
	planner domain.WindowPlanner
	log     logger.Logger

	pageSize          int
	maxPages          int
	maxBisectionDepth int

	sleep func(time.Duration)
}

// New builds an Engine with the default page size (20), page guard (100)
// and bisection depth cap (5)
func New(http domain.HTTPRequester, planner domain.WindowPlanner) *Engine {
	return &Engine{
		http:              http,
		planner:           planner,
		log:               *logger.Named("fetch"),
		pageSize:          defaultPageSize,
		maxPages:          defaultMaxPages,
		maxBisectionDepth: defaultMaxBisectionDepth,
		sleep:             time.Sleep,
	}
}

// WithTuning overrides the page size, page guard and bisection depth cap.
// Zero/negative values leave the existing setting in place
func (e *Engine) WithTuning(pageSize, maxPages, maxBisectionDepth int) *Engine {
	if pageSize > 0 {
		e.pageSize = pageSize
	}
	if maxPages > 0 {
		e.maxPages = maxPages
	}
	if maxBisectionDepth > 0 {
		e.maxBisectionDepth = maxBisectionDepth
	}
	return e
}

var _ domain.Fetcher = (*Engine)(nil)

// Fetch produces every record whose last_modified falls in [from, to).
// When useAdaptive is true the window is first narrowed via the planner;
// if the planner accepts less than the full span, the remainder is
// fetched by recursing on the accepted prefix and the rest in turn
func (e *Engine) Fetch(ctx context.Context, endpoint string, from, to time.Time, extraParams map[string]any, useAdaptive bool) ([]domain.Record, error) {
	if !to.After(from) {
		return nil, nil
	}

	if useAdaptive {
		optimalEnd, err := e.planner.FindOptimalEnd(ctx, endpoint, from, to)
		if err != nil {
			return nil, err
		}
		if optimalEnd.Before(to) {
			left, err := e.Fetch(ctx, endpoint, from, optimalEnd, extraParams, true)
			if err != nil {
				return nil, err
			}
			right, err := e.Fetch(ctx, endpoint, optimalEnd, to, extraParams, true)
			if err != nil {
				return nil, err
			}
			return append(left, right...), nil
		}
	}

	records, err := e.paginate(ctx, endpoint, from, to, extraParams)
	if err != nil {
		if perr.IsCode(err, perr.ErrorCodeEntityTooLarge) {
			return e.bisectRecover(ctx, endpoint, from, to, extraParams, 0, bisectRetryBudget)
		}
		return nil, err
	}
	return records, nil
}

// paginate walks one already-accepted window to exhaustion, stopping on a
// short page (fewer than pageSize hits), a declared total being reached,
// or the anti-runaway page cap
func (e *Engine) paginate(ctx context.Context, endpoint string, from, to time.Time, extraParams map[string]any) ([]domain.Record, error) {
	var out []domain.Record

	for offset, pageNum := 0, 0; pageNum < e.maxPages; pageNum++ {
		body := requestBody(offset, e.pageSize, from, to, extraParams)

		reqCtx, cancel := context.WithTimeout(ctx, pageFetchTimeout)
		var resp page
		err := e.http.Request(reqCtx, "POST", endpoint, nil, body, &resp)
		cancel()
		if err != nil {
			return out, err
		}

		for _, hit := range resp.Hits {
			out = append(out, recordFromHit(hit))
		}

		offset += len(resp.Hits)

		if len(resp.Hits) == 0 || len(resp.Hits) < e.pageSize {
			return out, nil
		}
		if resp.Total != nil && offset >= *resp.Total {
			return out, nil
		}
		e.sleep(pagingPacingWait)
	}

	e.log.Warn().Str("endpoint", endpoint).Msg("fetch: hit max page guard, results may be truncated")
	return out, nil
}

// bisectRecover is the entity-too-large fallback: halve the window,
// recursively fetch each half, and concatenate. retryBudget is consumed
// when the recursive call itself errors (as opposed to returning
// EntityTooLarge again, which consumes depth instead of budget)
func (e *Engine) bisectRecover(ctx context.Context, endpoint string, from, to time.Time, extraParams map[string]any, depth, retryBudget int) ([]domain.Record, error) {
	if depth >= e.maxBisectionDepth {
		e.log.Warn().Time("from", from).Time("to", to).Msg("fetch: bisection depth exceeded, dropping sub-window")
		return nil, nil
	}

	mid := from.Add(to.Sub(from) / 2)
	if !mid.After(from) || !to.After(mid) {
		e.log.Warn().Time("from", from).Time("to", to).Msg("fetch: window too small to bisect further, dropping sub-window")
		return nil, nil
	}

	left, err := e.fetchHalf(ctx, endpoint, from, mid, extraParams, depth, retryBudget)
	if err != nil {
		return nil, err
	}
	e.sleep(bisectPacingWait)
	right, err := e.fetchHalf(ctx, endpoint, mid, to, extraParams, depth, retryBudget)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// fetchHalf fetches one bisected half, recursing further on
// EntityTooLarge and falling back to a budgeted retry on any other error
func (e *Engine) fetchHalf(ctx context.Context, endpoint string, from, to time.Time, extraParams map[string]any, depth, retryBudget int) ([]domain.Record, error) {
	records, err := e.paginate(ctx, endpoint, from, to, extraParams)
	if err == nil {
		return records, nil
	}

	if perr.IsCode(err, perr.ErrorCodeEntityTooLarge) {
		return e.bisectRecover(ctx, endpoint, from, to, extraParams, depth+1, retryBudget)
	}

	if retryBudget <= 0 {
		e.log.Warn().Err(err).Time("from", from).Time("to", to).Msg("fetch: retry budget exhausted, dropping sub-window")
		return nil, nil
	}
	return e.bisectRecover(ctx, endpoint, from, to, extraParams, depth+1, retryBudget-1)
}

// requestBody builds the upstream search body template, merging
// extraParams over the generated fields
func requestBody(offset, limit int, from, to time.Time, extraParams map[string]any) map[string]any {
	body := map[string]any{
		"offset": offset,
		"limit":  limit,
		"sorts": []map[string]any{
			{"field": "lastModified", "sortOrder": "asc"},
		},
		"query": map[string]any{
			"filtered_query": map[string]any{
				"query": map[string]any{"match_all_query": map[string]any{}},
				"filter": map[string]any{
					"range_filter": map[string]any{
						"field": "last_modified",
						"from":  from.UTC().Format(isoMicro),
						"to":    to.UTC().Format(isoMicro),
					},
				},
			},
		},
	}
	for k, v := range extraParams {
		body[k] = v
	}
	return body
}

// recordFromHit accumulates hit.data if present, else the hit itself
func recordFromHit(hit map[string]any) domain.Record {
	if data, ok := hit["data"].(map[string]any); ok {
		return domain.Record(data)
	}
	return domain.Record(hit)
}
