// Command rangefeed-extract runs one invocation of the extract pipeline
// against a single upstream endpoint
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"rangefeed/internal/platform/config"
	"rangefeed/internal/platform/logger"
	"rangefeed/internal/services/extract/domain"
	extractmod "rangefeed/internal/services/extract/module"
)

func main() {
	root := config.New()
	l := logger.Get()

	var (
		fEndpoint    = flag.String("endpoint", "", "upstream search endpoint path, e.g. /records/search")
		fIncremental = flag.Bool("incremental", false, "resolve the window from the warehouse watermark")
		fFullRefresh = flag.Bool("full-refresh", false, "force the default lookback window even if incremental is set")
		fFrom        = flag.String("from", "", "explicit RFC3339 start instant, UTC")
		fTo          = flag.String("to", "", "explicit RFC3339 end instant, UTC")
	)
	flag.Parse()

	if *fEndpoint == "" {
		l.Fatal().Msg("must provide -endpoint")
	}

	opts := domain.RunOptions{Incremental: *fIncremental, FullRefresh: *fFullRefresh}
	if *fFrom != "" || *fTo != "" {
		from, err := time.Parse(time.RFC3339, *fFrom)
		if err != nil {
			l.Fatal().Err(err).Msg("bad -from")
		}
		to, err := time.Parse(time.RFC3339, *fTo)
		if err != nil {
			l.Fatal().Err(err).Msg("bad -to")
		}
		opts.From, opts.To = from, to
	}

	ctx := context.Background()
	mod, err := extractmod.New(ctx, root)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to wire extract module")
	}
	defer func() {
		if err := mod.Close(); err != nil {
			l.Error().Err(err).Msg("failed to close extract module")
		}
	}()

	ports := mod.Ports().(extractmod.Ports)
	summary, err := ports.Runner.Run(ctx, *fEndpoint, opts)

	out, _ := json.Marshal(summary)
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))

	if err != nil {
		l.Fatal().Err(err).Msg("extract run failed")
	}
}
