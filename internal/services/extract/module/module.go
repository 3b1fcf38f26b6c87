// Package module wires the extract pipeline's adapters and services
// together from configuration, exposing a single domain.Runner port
package module

import (
	"context"
	"net/http"
	"strings"

	"rangefeed/internal/adapters/auth"
	"rangefeed/internal/adapters/httpapi"
	"rangefeed/internal/adapters/warehouse"
	"rangefeed/internal/platform/config"
	"rangefeed/internal/services/extract/batch"
	"rangefeed/internal/services/extract/domain"
	"rangefeed/internal/services/extract/fetch"
	"rangefeed/internal/services/extract/pipeline"
	"rangefeed/internal/services/extract/probe"
	"rangefeed/internal/services/extract/transform"
	"rangefeed/internal/services/extract/window"
)

// Ports exposes the extract module's public surface
type Ports struct {
	Runner domain.Runner
}

// Module owns every adapter and service constructed for a single process
type Module struct {
	opts Options
	wh   *warehouse.Warehouse
	ports Ports
}

// New wires a Module from cfg. ctx is used only to open the warehouse
// client; it is not retained
func New(ctx context.Context, cfg config.Conf) (*Module, error) {
	opts := FromConfig(cfg)

	bearer, err := auth.New(authOptions(opts))
	if err != nil {
		return nil, err
	}

	client := httpapi.NewClient(&http.Client{}, bearer, httpapi.DefaultRetryPolicy(), opts.Headers)

	p := probe.New(client)
	planner := window.New(p, opts.MaxRecordsPerPeriod)
	engine := fetch.New(client, planner).WithTuning(opts.PageSize, opts.MaxPages, opts.MaxBisectionDepth)

	wh, err := warehouse.New(ctx, warehouse.Options{
		ProjectID: opts.BQProjectID,
		DatasetID: opts.BQDatasetID,
		TableID:   opts.BQTableID,
	})
	if err != nil {
		return nil, err
	}

	xform := transform.New(opts.ColumnMapping)
	loader := batch.New(xform, wh, opts.BatchSize)

	runner := pipeline.New(pipeline.Config{
		Fetch:    engine,
		Batch:    loader,
		Wh:       wh,
		Lookback: opts.Lookback,
	})

	m := &Module{opts: opts, wh: wh, ports: Ports{Runner: baseURLRunner{base: opts.APIBaseURL, next: runner}}}
	return m, nil
}

// baseURLRunner joins the configured API base URL onto the endpoint path
// before handing the run to the pipeline
type baseURLRunner struct {
	base string
	next domain.Runner
}

func (r baseURLRunner) Run(ctx context.Context, endpoint string, opts domain.RunOptions) (domain.PipelineSummary, error) {
	return r.next.Run(ctx, strings.TrimRight(r.base, "/")+"/"+strings.TrimLeft(endpoint, "/"), opts)
}

// Name returns the module name
func (m *Module) Name() string { return "extract" }

// Ports returns the module's public ports
func (m *Module) Ports() any { return m.ports }

// Close releases the warehouse client
func (m *Module) Close() error {
	if m.wh == nil {
		return nil
	}
	return m.wh.Close()
}

func authOptions(o Options) auth.Options {
	switch o.authMode() {
	case "oauth":
		return auth.Options{
			Mode:         auth.ModeOAuth,
			TokenURL:     o.OAuthTokenURL,
			ClientID:     o.OAuthClientID,
			ClientSecret: o.OAuthClientSecret,
			Scopes:       scopeList(o.OAuthScope),
		}
	case "api_key":
		return auth.Options{Mode: auth.ModeAPIKey, APIKey: o.APIKey}
	default:
		return auth.Options{Mode: auth.ModeNone}
	}
}

func scopeList(scope string) []string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
