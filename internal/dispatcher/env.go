package dispatcher

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Environment variable names of the contract between this orchestrator and
// the downstream CLI.
const (
	envBaseURL       = "ANTHROPIC_BASE_URL"
	envAuthToken     = "ANTHROPIC_AUTH_TOKEN"
	envModel         = "ANTHROPIC_MODEL"
	envOpusModel     = "ANTHROPIC_DEFAULT_OPUS_MODEL"
	envSonnetModel   = "ANTHROPIC_DEFAULT_SONNET_MODEL"
	envHaikuModel    = "ANTHROPIC_DEFAULT_HAIKU_MODEL"
	envConfigDir     = "CLAUDE_CONFIG_DIR"
	envProfileType   = "CCS_PROFILE_TYPE"
	envWebsearchSkip = "CCS_WEBSEARCH_SKIP"
)

// envSet builds a child environment by layering maps over the parent
// process environment: later layers dominate earlier ones, and explicit
// layers always dominate whatever a --settings file would set, which is the
// intended precedence.
func envSet(layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			merged[kv[:eq]] = kv[eq+1:]
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// settingsEnv derives the env layer a settings profile contributes.
func settingsEnv(profile *SettingsProfile) map[string]string {
	layer := map[string]string{}
	for k, v := range profile.Env {
		layer[k] = v
	}
	layer[envBaseURL] = profile.BaseURL
	layer[envAuthToken] = profile.APIKey
	if profile.Model != "" {
		layer[envModel] = profile.Model
	}
	if profile.ModelAliases.Opus != "" {
		layer[envOpusModel] = profile.ModelAliases.Opus
	}
	if profile.ModelAliases.Sonnet != "" {
		layer[envSonnetModel] = profile.ModelAliases.Sonnet
	}
	if profile.ModelAliases.Haiku != "" {
		layer[envHaikuModel] = profile.ModelAliases.Haiku
	}
	return layer
}
