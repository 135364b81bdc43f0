// Package tokenstore locates, validates, refreshes, and rewrites the
// per-account OAuth token files the sidecar and the Google CLI both read.
// Only the common subset of each provider's token shape is interpreted here;
// every key the store does not explicitly manage is preserved byte-for-byte
// on write-back.
package tokenstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// maxTokenFileSize bounds how much of a token file is trusted as JSON.
const maxTokenFileSize = 1 << 20

// mtimeFallbackTTL approximates expiry for files carrying no expiry field:
// upstream access tokens live one hour, so mtime plus fifty minutes leaves a
// safety margin.
const mtimeFallbackTTL = 50 * time.Minute

// Token is the in-memory view of one token file. The raw document is
// retained so write-back can preserve keys the store never interprets.
type Token struct {
	Path     string
	Provider providerset.Provider

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
	ProjectID    string

	// nested reports that the OAuth fields live under a "token" envelope
	// (the shape generated auth files use) rather than at the top level
	// (the shape the Google CLI writes natively). Write-back honors the
	// shape the file arrived in.
	nested bool
	raw    []byte
}

// Store resolves (provider, tokenFile) pairs against the auth directory.
type Store struct {
	authDir string
}

// NewStore builds a Store over authDir.
func NewStore(authDir string) *Store {
	return &Store{authDir: authDir}
}

// Load reads tokenFile (a basename inside the auth directory) for provider.
func (s *Store) Load(provider providerset.Provider, tokenFile string) (*Token, error) {
	return LoadPath(provider, filepath.Join(s.authDir, tokenFile))
}

// LoadPath reads a token file at an arbitrary path. Used for Google
// CLI-native credentials outside the auth directory.
func LoadPath(provider providerset.Provider, path string) (*Token, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.FilesystemIO, "stat token file", err).WithProvider(string(provider))
	}
	if info.Size() > maxTokenFileSize {
		return nil, ccerr.New(ccerr.TokenUnrecoverable,
			fmt.Sprintf("token file %s exceeds %d bytes", filepath.Base(path), maxTokenFileSize)).WithProvider(string(provider))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.FilesystemIO, "read token file", err).WithProvider(string(provider))
	}
	if !gjson.ValidBytes(raw) {
		return nil, ccerr.New(ccerr.TokenUnrecoverable,
			fmt.Sprintf("token file %s is not valid JSON", filepath.Base(path))).WithProvider(string(provider))
	}

	t := &Token{Path: path, Provider: provider, raw: raw}

	t.AccessToken = firstString(raw, "access_token", "token.access_token")
	t.RefreshToken = firstString(raw, "refresh_token", "token.refresh_token")
	t.Email = firstString(raw, "email", "token.email")
	t.ProjectID = firstString(raw, "project_id", "token.project_id")
	t.nested = gjson.GetBytes(raw, "token").IsObject()

	if t.RefreshToken == "" {
		return nil, ccerr.New(ccerr.TokenUnrecoverable,
			fmt.Sprintf("token file %s has no refresh token", filepath.Base(path))).WithProvider(string(provider))
	}

	t.ExpiresAt = extractExpiry(raw, info.ModTime())
	return t, nil
}

func firstString(raw []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(raw, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// extractExpiry resolves a token's expiry in priority order: an epoch-ms
// "expiry_date", an ISO "expired" timestamp, then the file's mtime plus a
// fixed lifetime as the last resort.
func extractExpiry(raw []byte, mtime time.Time) time.Time {
	for _, key := range []string{"expiry_date", "token.expiry_date"} {
		if v := gjson.GetBytes(raw, key); v.Exists() {
			if ms := v.Int(); ms > 0 {
				return time.UnixMilli(ms)
			}
		}
	}
	for _, key := range []string{"expired", "token.expired", "expiry", "token.expiry"} {
		v := gjson.GetBytes(raw, key)
		if !v.Exists() || v.String() == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, v.String()); err == nil {
				return ts
			}
		}
	}
	return mtime.Add(mtimeFallbackTTL)
}

// ExpiringSoon reports whether the token expires within window of now.
func (t *Token) ExpiringSoon(window time.Duration) bool {
	return time.Until(t.ExpiresAt) < window
}
