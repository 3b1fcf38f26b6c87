package module

import (
	"strings"
	"time"

	"rangefeed/internal/platform/config"
)

// Options holds the configuration options for the extract pipeline,
// read with a RANGEFEED_ prefix
type Options struct {
	APIBaseURL string
	APIKey     string
	Headers    map[string]string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScope        string

	ColumnMapping map[string]string

	BQProjectID string
	BQDatasetID string
	BQTableID   string

	BatchSize           int
	MaxRecordsPerPeriod int
	PageSize            int
	MaxPages            int
	MaxBisectionDepth   int
	Lookback            time.Duration
}

// FromConfig reads Options from config with the RANGEFEED_ prefix
func FromConfig(cfg config.Conf) Options {
	rf := cfg.Prefix("RANGEFEED_")
	return Options{
		APIBaseURL: rf.MustString("API_BASE_URL"),
		APIKey:     rf.MayString("API_API_KEY", ""),

		OAuthClientID:     rf.MayString("API_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: rf.MayString("API_OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:     rf.MayString("API_OAUTH_TOKEN_URL", ""),
		OAuthScope:        rf.MayString("API_OAUTH_SCOPE", ""),

		BQProjectID: rf.MustString("BQ_PROJECT_ID"),
		BQDatasetID: rf.MustString("BQ_DATASET_ID"),
		BQTableID:   rf.MustString("BQ_TABLE_ID"),

		Headers:       parseKVPairs(rf.MayCSV("API_HEADERS", nil)),
		ColumnMapping: parseKVPairs(rf.MayCSV("API_COLUMN_MAPPING", nil)),

		BatchSize:           rf.MayInt("BATCH_SIZE", 100_000),
		MaxRecordsPerPeriod: rf.MayInt("MAX_RECORDS_PER_PERIOD", 1500),
		PageSize:            rf.MayInt("PAGE_SIZE", 20),
		MaxPages:            rf.MayInt("MAX_PAGES", 100),
		MaxBisectionDepth:   rf.MayInt("MAX_BISECTION_DEPTH", 5),
		Lookback:            rf.MayDuration("LOOKBACK", 30*24*time.Hour),
	}
}

// parseKVPairs turns ["a=b", "c=d"] entries (as produced by Conf.MayCSV on
// RANGEFEED_API_COLUMN_MAPPING or RANGEFEED_API_HEADERS) into a key -> value
// map. Malformed entries (missing the "=") are skipped
func parseKVPairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		src, dst, ok := strings.Cut(p, "=")
		if !ok || src == "" || dst == "" {
			continue
		}
		m[src] = dst
	}
	return m
}

// authMode picks the auth scheme implied by which fields are populated:
// OAuth wins if fully configured, then a static API key, else no auth
func (o Options) authMode() string {
	if o.OAuthClientID != "" && o.OAuthClientSecret != "" && o.OAuthTokenURL != "" {
		return "oauth"
	}
	if o.APIKey != "" {
		return "api_key"
	}
	return "none"
}
