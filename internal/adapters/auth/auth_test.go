package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(Options{Mode: "bogus"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewRejectsIncompleteOAuth(t *testing.T) {
	if _, err := New(Options{Mode: ModeOAuth}); err == nil {
		t.Fatal("expected error for incomplete oauth config")
	}
}

func TestAPIKeyBearerReturnsStaticToken(t *testing.T) {
	b, err := New(Options{Mode: ModeAPIKey, APIKey: "sk-123"})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := b.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "sk-123" {
		t.Fatalf("expected sk-123, got %q", tok)
	}
}

func TestNoneModeReturnsEmptyNoError(t *testing.T) {
	b, err := New(Options{Mode: ModeNone})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := b.Bearer(context.Background())
	if err != nil || tok != "" {
		t.Fatalf("expected empty token and no error, got %q %v", tok, err)
	}
}

func TestOAuthTokenCachedUntilExpiryMargin(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	b, err := New(Options{
		Mode:         ModeOAuth,
		TokenURL:     srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	tok1, err := b.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := b.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected cached token reused, got %q then %q", tok1, tok2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one token fetch, got %d", calls)
	}
}

func TestOAuthTokenDefaultsExpiryWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer"}`))
	}))
	defer srv.Close()

	b, err := New(Options{
		Mode:         ModeOAuth,
		TokenURL:     srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	fixedNow := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixedNow }

	if _, err := b.Bearer(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := fixedNow.Add(defaultTokenTTL)
	if !b.cached.Expiry.Equal(want) {
		t.Fatalf("expected default expiry %v, got %v", want, b.cached.Expiry)
	}
}

func TestOAuthTokenInvalidWithinExpiryMargin(t *testing.T) {
	b, err := New(Options{
		Mode:         ModeOAuth,
		TokenURL:     "http://unused.invalid",
		ClientID:     "id",
		ClientSecret: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	fixedNow := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixedNow }

	// a token expiring in exactly 30s (inside the 1-minute margin) must be
	// treated as already invalid
	b.cached = &oauth2.Token{AccessToken: "stale", Expiry: fixedNow.Add(30 * time.Second)}
	if b.valid(b.cached) {
		t.Fatal("expected token within expiry margin to be invalid")
	}

	b.cached = &oauth2.Token{AccessToken: "fresh", Expiry: fixedNow.Add(2 * time.Minute)}
	if !b.valid(b.cached) {
		t.Fatal("expected token outside expiry margin to be valid")
	}
}
