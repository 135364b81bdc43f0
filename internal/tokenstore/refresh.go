package tokenstore

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// Well-known public desktop-client credentials for the Google CLI's OAuth
// application. Not secrets: every install of the CLI ships them.
const (
	googleOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	googleOAuthClientSecret = "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"
)

// refreshAttemptTimeout bounds each individual refresh HTTP exchange.
const refreshAttemptTimeout = 10 * time.Second

// RefreshResult reports the outcome of one refresh request.
type RefreshResult struct {
	// Success is true when the token is valid after the call, whether this
	// core refreshed it or the sidecar owns refreshing it.
	Success bool
	// Delegated is true when refresh for this provider belongs to the
	// sidecar and no local action was taken.
	Delegated bool
	Err       error
}

// Refresher refreshes locally-owned tokens. Only Gemini CLI tokens are
// refreshed here; every other provider's refresh belongs to the sidecar.
type Refresher struct {
	// HTTPClient overrides the client used for the token endpoint
	// exchange. Nil uses a default client bounded by the attempt timeout.
	HTTPClient *http.Client
	// TokenEndpoint overrides Google's token URL, for tests.
	TokenEndpoint string
}

// Refresh renews t in place and rewrites its file, preserving every JSON key
// the store does not manage. Delegated providers return immediately without
// touching the network.
func (r *Refresher) Refresh(ctx context.Context, t *Token) RefreshResult {
	if t.Provider.Delegated() {
		return RefreshResult{Success: true, Delegated: true}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, refreshAttemptTimeout)
	defer cancel()

	endpoint := google.Endpoint
	if r.TokenEndpoint != "" {
		endpoint = oauth2.Endpoint{TokenURL: r.TokenEndpoint}
	}
	if r.HTTPClient != nil {
		attemptCtx = context.WithValue(attemptCtx, oauth2.HTTPClient, r.HTTPClient)
	}

	conf := &oauth2.Config{
		ClientID:     googleOAuthClientID,
		ClientSecret: googleOAuthClientSecret,
		Endpoint:     endpoint,
	}
	fresh, err := conf.TokenSource(attemptCtx, &oauth2.Token{RefreshToken: t.RefreshToken}).Token()
	if err != nil {
		kind := ccerr.TokenRefreshFailed
		if IsUnrecoverable(err) {
			kind = ccerr.TokenUnrecoverable
		}
		return RefreshResult{Err: ccerr.Wrap(kind, "refresh token exchange", err).WithProvider(string(t.Provider))}
	}

	t.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		t.RefreshToken = fresh.RefreshToken
	}
	t.ExpiresAt = fresh.Expiry
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(time.Hour)
	}

	if err = t.writeBack(); err != nil {
		return RefreshResult{Err: err}
	}
	return RefreshResult{Success: true}
}

// writeBack rewrites the token file in the same shape it was read in,
// updating only the fields the refresh changed.
func (t *Token) writeBack() error {
	prefix := ""
	if t.nested {
		prefix = "token."
	}

	raw := t.raw
	var err error
	for _, set := range []struct {
		key   string
		value any
	}{
		{prefix + "access_token", t.AccessToken},
		{prefix + "refresh_token", t.RefreshToken},
		{prefix + "expiry_date", t.ExpiresAt.UnixMilli()},
	} {
		if raw, err = sjson.SetBytes(raw, set.key, set.value); err != nil {
			return ccerr.Wrap(ccerr.FilesystemIO, "encode refreshed token", err).WithProvider(string(t.Provider))
		}
	}

	tmp := t.Path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "write refreshed token", err).WithProvider(string(t.Provider))
	}
	if err = os.Rename(tmp, t.Path); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "rename refreshed token", err).WithProvider(string(t.Provider))
	}
	t.raw = raw
	return nil
}

// unrecoverableSubstrings identify refresh failures no amount of retrying
// can fix; retries abort as soon as one appears.
var unrecoverableSubstrings = []string{
	"No refresh token",
	"Invalid client",
	"Invalid grant",
	"invalid_grant",
	"Token has been revoked",
	"Token not found",
}

// IsUnrecoverable reports whether err names a permanent refresh failure.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range unrecoverableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RefreshWithBackoff retries Refresh with exponential backoff: base one
// second, doubling, at most attempts tries. Unrecoverable errors and context
// cancellation abort early.
func (r *Refresher) RefreshWithBackoff(ctx context.Context, t *Token, attempts int) RefreshResult {
	delay := time.Second
	var last RefreshResult
	for i := 0; i < attempts; i++ {
		last = r.Refresh(ctx, t)
		if last.Err == nil {
			return last
		}
		if IsUnrecoverable(last.Err) || ccerr.Of(last.Err) == ccerr.TokenUnrecoverable {
			log.Debugf("refresh for %s is unrecoverable, not retrying: %v", t.Provider, last.Err)
			return last
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			last.Err = ctx.Err()
			return last
		}
		delay *= 2
	}
	return last
}

// googleCLICredsPath returns the Google CLI's native credential location, so
// refreshes of a CLI-managed token write back where the CLI expects it.
func googleCLICredsPath() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	p := filepath.Join(home, ".gemini", "oauth_creds.json")
	if _, err = os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// LoadGoogleCLIToken loads the Google CLI's own credential file when it
// exists, for callers that refresh the CLI-native token rather than a
// sidecar-managed copy.
func LoadGoogleCLIToken() (*Token, bool, error) {
	path, ok := googleCLICredsPath()
	if !ok {
		return nil, false, nil
	}
	t, err := LoadPath(providerset.Gemini, path)
	if err != nil {
		return nil, true, err
	}
	return t, true, nil
}
