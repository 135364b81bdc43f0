package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/unkcaicai/ccswitch/internal/providerset"
	"github.com/unkcaicai/ccswitch/internal/tokenstore"
)

const (
	codeAssistEndpoint = "https://cloudcode-pa.googleapis.com"
	codeAssistVersion  = "v1internal"
	codexUsageEndpoint = "https://chatgpt.com/backend-api/wham/usage"
)

// Fetcher runs quota probes against provider endpoints using an account's
// stored access token. Endpoint fields are overridable for tests.
type Fetcher struct {
	HTTPClient *http.Client

	CodeAssistBase string
	CodexUsageURL  string
}

func (f *Fetcher) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (f *Fetcher) codeAssistURL(endpoint string) string {
	base := f.CodeAssistBase
	if base == "" {
		base = codeAssistEndpoint
	}
	return fmt.Sprintf("%s/%s:%s", base, codeAssistVersion, endpoint)
}

// Fetch probes the quota state for one provider/token pair. Gemini CLI
// tokens are proactively refreshed first when expiring, so the probe never
// burns its one attempt on a stale bearer.
func (f *Fetcher) Fetch(ctx context.Context, provider providerset.Provider, token *tokenstore.Token, refresher *tokenstore.Refresher) (*Result, error) {
	if provider == providerset.Gemini && refresher != nil && token.ExpiringSoon(5*time.Minute) {
		if res := refresher.Refresh(ctx, token); res.Err != nil {
			log.Debugf("quota: pre-probe refresh failed for %s: %v", provider, res.Err)
		}
	}

	switch provider {
	case providerset.Agy:
		return f.fetchCodeAssist(ctx, token, true)
	case providerset.Gemini:
		return f.fetchCodeAssist(ctx, token, false)
	case providerset.Codex:
		return f.fetchCodexUsage(ctx, token)
	default:
		return &Result{ErrorMessage: fmt.Sprintf("no quota probe for provider %s", provider)}, nil
	}
}

// fetchCodeAssist resolves the account's project via loadCodeAssist, then
// reads per-model remaining fractions from fetchAvailableModels. The same
// pair of internal endpoints serves both the cloud-assist and the CLI token
// variants; the CLI variant additionally groups models into buckets by
// family and token type.
func (f *Fetcher) fetchCodeAssist(ctx context.Context, token *tokenstore.Token, perModelOnly bool) (*Result, error) {
	loadBody := map[string]any{
		"metadata": map[string]any{"pluginType": "GEMINI"},
	}
	if token.ProjectID != "" {
		loadBody["cloudaicompanionProject"] = token.ProjectID
	}

	status, raw, err := f.post(ctx, f.codeAssistURL("loadCodeAssist"), token.AccessToken, loadBody)
	if err != nil {
		return &Result{ErrorMessage: err.Error()}, nil
	}
	if status != http.StatusOK {
		return statusResult(status, string(raw)), nil
	}

	projectID := gjson.GetBytes(raw, "cloudaicompanionProject").String()
	if projectID == "" {
		projectID = token.ProjectID
	}

	modelsBody := map[string]any{}
	if projectID != "" {
		modelsBody["cloudaicompanionProject"] = projectID
	}
	status, raw, err = f.post(ctx, f.codeAssistURL("fetchAvailableModels"), token.AccessToken, modelsBody)
	if err != nil {
		return &Result{ErrorMessage: err.Error()}, nil
	}
	if status != http.StatusOK {
		return statusResult(status, string(raw)), nil
	}

	result := &Result{Success: true, ProjectID: projectID}
	gjson.GetBytes(raw, "models").ForEach(func(_, model gjson.Result) bool {
		name := model.Get("model").String()
		if name == "" {
			name = model.Get("name").String()
		}
		fraction := model.Get("remaining_fraction")
		if !fraction.Exists() {
			fraction = model.Get("remainingFraction")
		}
		if !fraction.Exists() {
			return true
		}
		result.Buckets = append(result.Buckets, newBucket(name, fraction.Float()))
		if reset := model.Get("reset_time").String(); reset != "" && result.ResetTime == nil {
			if ts, errParse := time.Parse(time.RFC3339, reset); errParse == nil {
				result.ResetTime = &ts
			}
		}
		return true
	})

	if !perModelOnly {
		result.Buckets = groupGeminiBuckets(result.Buckets)
	}
	return result, nil
}

// groupGeminiBuckets folds per-model fractions into the coarser buckets the
// CLI token quota is reported in: flash series, pro series, and input/output
// token pools. A bucket's remaining capacity is the minimum of its members,
// since the tightest model gates the bucket.
func groupGeminiBuckets(models []Bucket) []Bucket {
	groups := map[string]float64{}
	seen := map[string]bool{}
	assign := func(group string, fraction float64) {
		if !seen[group] || fraction < groups[group] {
			groups[group] = fraction
		}
		seen[group] = true
	}
	for _, m := range models {
		name := strings.ToLower(m.Name)
		switch {
		case strings.Contains(name, "flash"):
			assign("flash", m.RemainingFraction)
		case strings.Contains(name, "pro"):
			assign("pro", m.RemainingFraction)
		case strings.Contains(name, "input"):
			assign("input-tokens", m.RemainingFraction)
		case strings.Contains(name, "output"):
			assign("output-tokens", m.RemainingFraction)
		default:
			assign("other", m.RemainingFraction)
		}
	}
	out := make([]Bucket, 0, len(groups))
	for _, group := range []string{"flash", "pro", "input-tokens", "output-tokens", "other"} {
		if seen[group] {
			out = append(out, newBucket(group, groups[group]))
		}
	}
	return out
}

// fetchCodexUsage reads the OpenAI-side usage windows (primary, secondary,
// code review) for a Codex account.
func (f *Fetcher) fetchCodexUsage(ctx context.Context, token *tokenstore.Token) (*Result, error) {
	endpoint := f.CodexUsageURL
	if endpoint == "" {
		endpoint = codexUsageEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Result{ErrorMessage: err.Error()}, nil
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := f.client().Do(req)
	if err != nil {
		return &Result{ErrorMessage: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Result{ErrorMessage: err.Error()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return statusResult(resp.StatusCode, string(raw)), nil
	}

	result := &Result{Success: true}
	for _, window := range []struct{ key, name string }{
		{"rate_limits.primary", "primary"},
		{"rate_limits.secondary", "secondary"},
		{"rate_limits.code_review", "code-review"},
	} {
		entry := gjson.GetBytes(raw, window.key)
		if !entry.Exists() {
			continue
		}
		usedPercent := entry.Get("used_percent").Float()
		result.Buckets = append(result.Buckets, newBucket(window.name, 1-usedPercent/100))
		if secs := entry.Get("resets_in_seconds").Int(); secs > 0 && result.ResetTime == nil {
			ts := time.Now().Add(time.Duration(secs) * time.Second)
			result.ResetTime = &ts
		}
	}
	return result, nil
}

func (f *Fetcher) post(ctx context.Context, url, bearer string, body any) (int, []byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := f.client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}
