// Package auth provides the domain.Bearer implementations used to
// authenticate outbound requests: OAuth2 client-credentials, a static
// API key, or no authentication at all
package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	perr "rangefeed/internal/platform/errors"
)

// expiryMargin is how far ahead of a token's real expiry we consider it
// stale, so a request never starts against a token that dies mid-flight
const expiryMargin = 1 * time.Minute

// defaultTokenTTL is stamped onto a token whose issuer omitted expires_in
const defaultTokenTTL = 3600 * time.Second

// tokenFetchTimeout bounds a single token-refresh round trip
const tokenFetchTimeout = 30 * time.Second

// Mode selects which authentication scheme to build
type Mode string

const (
	ModeOAuth  Mode = "oauth"
	ModeAPIKey Mode = "api_key"
	ModeNone   Mode = "none"
)

// Options configures Bearer construction for any of the supported modes
type Options struct {
	Mode         Mode
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	APIKey       string
}

// New builds the domain.Bearer matching Options.Mode
func New(o Options) (*Bearer, error) {
	switch o.Mode {
	case ModeOAuth:
		if o.TokenURL == "" || o.ClientID == "" || o.ClientSecret == "" {
			return nil, perr.InvalidArgf("auth: oauth mode requires token_url, client_id and client_secret")
		}
		cfg := &clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		return &Bearer{mode: ModeOAuth, cfg: cfg, now: time.Now}, nil
	case ModeAPIKey:
		if o.APIKey == "" {
			return nil, perr.InvalidArgf("auth: api_key mode requires an api key")
		}
		return &Bearer{mode: ModeAPIKey, staticToken: o.APIKey, now: time.Now}, nil
	case ModeNone, "":
		return &Bearer{mode: ModeNone, now: time.Now}, nil
	default:
		return nil, perr.InvalidArgf("auth: unknown mode %q", o.Mode)
	}
}

// Bearer caches the most recently issued token and refreshes it once it is
// within expiryMargin of expiring. It satisfies domain.Bearer
type Bearer struct {
	mode Mode
	now  func() time.Time

	staticToken string

	mu     sync.Mutex
	cfg    *clientcredentials.Config
	cached *oauth2.Token
}

// Bearer returns a valid bearer token, refreshing it first if needed.
// ModeNone returns ("", nil): no Authorization header should be sent
func (b *Bearer) Bearer(ctx context.Context) (string, error) {
	switch b.mode {
	case ModeNone:
		return "", nil
	case ModeAPIKey:
		return b.staticToken, nil
	case ModeOAuth:
		return b.oauthToken(ctx)
	default:
		return "", perr.InvalidArgf("auth: bearer requested for unknown mode %q", b.mode)
	}
}

func (b *Bearer) oauthToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.valid(b.cached) {
		return b.cached.AccessToken, nil
	}

	ctx, cancel := context.WithTimeout(ctx, tokenFetchTimeout)
	defer cancel()

	tok, err := b.cfg.Token(ctx)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnauthorized, "auth: token refresh failed")
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = b.now().Add(defaultTokenTTL)
	}
	b.cached = tok
	return tok.AccessToken, nil
}

// valid reports whether tok is non-nil and not within expiryMargin of
// expiring
func (b *Bearer) valid(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return b.now().Before(tok.Expiry.Add(-expiryMargin))
}

// NoAuth is a convenience Bearer for endpoints requiring no credentials
var NoAuth = &Bearer{mode: ModeNone, now: time.Now}

var _ interface {
	Bearer(ctx context.Context) (string, error)
} = (*Bearer)(nil)
