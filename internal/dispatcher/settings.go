package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// apiKeyPlaceholder is the literal the profile template ships with; a
// profile still carrying it has never been configured.
const apiKeyPlaceholder = "your-api-key-here"

// skipAPICheckEnv opts out of the pre-flight key validation.
const skipAPICheckEnv = "CCSW_SKIP_API_CHECK"

// SettingsProfile is the on-disk envelope of a settings-kind profile.
type SettingsProfile struct {
	BaseURL string `json:"baseURL"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model,omitempty"`
	// ModelAliases maps the downstream CLI's tier names to providers'
	// model ids.
	ModelAliases struct {
		Opus   string `json:"opus,omitempty"`
		Sonnet string `json:"sonnet,omitempty"`
		Haiku  string `json:"haiku,omitempty"`
	} `json:"modelAliases,omitempty"`
	// Env carries extra environment entries layered under the computed
	// ones.
	Env map[string]string `json:"env,omitempty"`
}

// LoadSettingsProfile reads and validates a profile envelope.
func LoadSettingsProfile(path string) (*SettingsProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.ProfileNotFound, fmt.Sprintf("settings profile %s", path), err)
	}
	var profile SettingsProfile
	if err = json.Unmarshal(raw, &profile); err != nil {
		return nil, ccerr.Wrap(ccerr.ProfileNotFound, fmt.Sprintf("settings profile %s is malformed", path), err)
	}
	if strings.TrimSpace(profile.APIKey) == "" || profile.APIKey == apiKeyPlaceholder {
		return nil, ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("settings profile %s has no API key configured", path))
	}
	return &profile, nil
}

// preflightAPIKey fires a lightweight authenticated GET at the provider's
// model listing to catch dead keys before handing stdio to the CLI. The
// check is advisory: network failures only log, and the opt-out env var
// skips it entirely.
func preflightAPIKey(ctx context.Context, profile *SettingsProfile) error {
	if os.Getenv(skipAPICheckEnv) != "" {
		return nil
	}
	if profile.BaseURL == "" {
		return nil
	}

	url := strings.TrimRight(profile.BaseURL, "/") + "/models"
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+profile.APIKey)
	req.Header.Set("x-api-key", profile.APIKey)

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		log.Debugf("api key preflight unreachable, proceeding: %v", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("the provider rejected the profile's API key (%d from %s); set %s=1 to skip this check",
				resp.StatusCode, url, skipAPICheckEnv))
	}
	return nil
}
