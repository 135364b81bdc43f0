package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

func writeToken(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFlatToken(t *testing.T) {
	dir := t.TempDir()
	expiry := time.Now().Add(time.Hour).UnixMilli()
	writeToken(t, dir, "g.json", fmt.Sprintf(
		`{"access_token":"at","refresh_token":"rt","expiry_date":%d,"email":"a@b.c","custom":"keep"}`, expiry))

	tok, err := NewStore(dir).Load(providerset.Gemini, "g.json")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.Email != "a@b.c" {
		t.Errorf("unexpected fields: %+v", tok)
	}
	if got := tok.ExpiresAt.UnixMilli(); got != expiry {
		t.Errorf("expiry = %d, want %d", got, expiry)
	}
	if tok.ExpiringSoon(5 * time.Minute) {
		t.Error("token an hour out should not be expiring soon")
	}
	if !tok.ExpiringSoon(2 * time.Hour) {
		t.Error("token an hour out is within a two hour window")
	}
}

func TestLoadNestedToken(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "n.json", `{"type":"gemini","email":"x@y.z","project_id":"proj",
		"token":{"access_token":"at2","refresh_token":"rt2","expired":"2031-01-02T03:04:05Z"}}`)

	tok, err := NewStore(dir).Load(providerset.Gemini, "n.json")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if tok.AccessToken != "at2" || tok.RefreshToken != "rt2" || tok.ProjectID != "proj" {
		t.Errorf("unexpected fields: %+v", tok)
	}
	want, _ := time.Parse(time.RFC3339, "2031-01-02T03:04:05Z")
	if !tok.ExpiresAt.Equal(want) {
		t.Errorf("expiry = %v, want %v", tok.ExpiresAt, want)
	}
}

func TestLoadRejectsMissingRefreshToken(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "bad.json", `{"access_token":"at"}`)
	_, err := NewStore(dir).Load(providerset.Gemini, "bad.json")
	if ccerr.Of(err) != ccerr.TokenUnrecoverable {
		t.Fatalf("error = %v, want TokenUnrecoverable", err)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "bad.json", `{not json`)
	_, err := NewStore(dir).Load(providerset.Gemini, "bad.json")
	if ccerr.Of(err) != ccerr.TokenUnrecoverable {
		t.Fatalf("error = %v, want TokenUnrecoverable", err)
	}
}

func TestLoadRejectsOversizeFile(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxTokenFileSize+1)
	for i := range big {
		big[i] = 'x'
	}
	path := filepath.Join(dir, "big.json")
	if err := os.WriteFile(path, big, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewStore(dir).Load(providerset.Gemini, "big.json")
	if ccerr.Of(err) != ccerr.TokenUnrecoverable {
		t.Fatalf("error = %v, want TokenUnrecoverable", err)
	}
}

func TestMtimeFallbackExpiry(t *testing.T) {
	dir := t.TempDir()
	path := writeToken(t, dir, "noexp.json", `{"refresh_token":"rt"}`)
	info, _ := os.Stat(path)

	tok, err := NewStore(dir).Load(providerset.Gemini, "noexp.json")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := info.ModTime().Add(mtimeFallbackTTL)
	if !tok.ExpiresAt.Equal(want) {
		t.Errorf("fallback expiry = %v, want mtime+50m %v", tok.ExpiresAt, want)
	}
}

func TestRefreshDelegatedNeverDialsOut(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "c.json", `{"type":"codex","refresh_token":"rt"}`)
	tok, err := NewStore(dir).Load(providerset.Codex, "c.json")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	dialed := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed = true
	}))
	defer server.Close()

	r := &Refresher{TokenEndpoint: server.URL}
	res := r.Refresh(context.Background(), tok)
	if !res.Success || !res.Delegated {
		t.Errorf("result = %+v, want success+delegated", res)
	}
	if dialed {
		t.Error("delegated refresh must not touch the token endpoint")
	}
}

func TestRefreshRewritesPreservingUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "g.json",
		`{"type":"gemini","custom":"keep","token":{"access_token":"old","refresh_token":"rt","expiry_date":1}}`)
	tok, err := NewStore(dir).Load(providerset.Gemini, "g.json")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	r := &Refresher{TokenEndpoint: server.URL}
	res := r.Refresh(context.Background(), tok)
	if res.Err != nil {
		t.Fatalf("Refresh error: %v", res.Err)
	}
	if !res.Success || res.Delegated {
		t.Errorf("result = %+v, want local success", res)
	}

	raw, _ := os.ReadFile(tok.Path)
	if got := gjson.GetBytes(raw, "token.access_token").String(); got != "new-at" {
		t.Errorf("access_token = %q, want new-at", got)
	}
	if got := gjson.GetBytes(raw, "custom").String(); got != "keep" {
		t.Errorf("unmanaged key lost: custom = %q", got)
	}
	if got := gjson.GetBytes(raw, "type").String(); got != "gemini" {
		t.Errorf("type = %q, want gemini", got)
	}
	if ms := gjson.GetBytes(raw, "token.expiry_date").Int(); ms < time.Now().Add(30*time.Minute).UnixMilli() {
		t.Errorf("expiry_date = %d, want roughly an hour out", ms)
	}
}

func TestRefreshWithBackoffAbortsOnUnrecoverable(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "g.json", `{"refresh_token":"rt"}`)
	tok, err := NewStore(dir).Load(providerset.Gemini, "g.json")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked"}`))
	}))
	defer server.Close()

	r := &Refresher{TokenEndpoint: server.URL}
	res := r.RefreshWithBackoff(context.Background(), tok, 3)
	if res.Err == nil {
		t.Fatal("expected refresh error")
	}
	if calls != 1 {
		t.Errorf("unrecoverable error retried %d times, want 1 attempt", calls)
	}
}

func TestIsUnrecoverable(t *testing.T) {
	for _, msg := range []string{
		"No refresh token", "Invalid client", "Invalid grant",
		"Token has been revoked", "Token not found",
	} {
		if !IsUnrecoverable(fmt.Errorf("oauth2: %s", msg)) {
			t.Errorf("IsUnrecoverable(%q) = false", msg)
		}
	}
	if IsUnrecoverable(fmt.Errorf("connection reset by peer")) {
		t.Error("transient network error flagged unrecoverable")
	}
}
