// Package classifier maps the raw argument vector of one invocation to the
// execution strategy the dispatcher runs. It depends only on the provider
// leaf package and a read-only configuration view, never on the account
// registry, so profile detection and account management stay acyclic.
package classifier

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/config"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// Kind is the execution strategy a classified invocation runs under.
type Kind string

const (
	KindDefault  Kind = "default"
	KindSettings Kind = "settings"
	KindCliproxy Kind = "cliproxy"
	KindCopilot  Kind = "copilot"
	KindAccount  Kind = "account"
)

// Result is the classifier's verdict for one argument vector.
type Result struct {
	Kind Kind
	// Provider is set for cliproxy-kind results (reserved tag or variant).
	Provider providerset.Provider
	// Profile is the matched profile name, empty for default/bare-provider.
	Profile string
	// SettingsPath points at the profile's settings envelope for
	// settings-kind results and cliproxy variants that carry one.
	SettingsPath string
	// Model is the forced model of a cliproxy variant, if any.
	Model string
	// Rest is the argument tail forwarded to the downstream CLI.
	Rest []string
}

// copilotSubcommands are the copilot management verbs that route to the
// copilot collaborator's own CLI instead of starting a copilot session.
var copilotSubcommands = map[string]bool{
	"login": true, "logout": true, "status": true, "start": true, "stop": true,
}

// Classify resolves args against cfg. Decision order is fixed and first
// match wins; an unmatched first argument is an error carrying the full
// profile list plus close-name suggestions.
func Classify(args []string, cfg *config.Config) (*Result, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return &Result{Kind: KindDefault, Rest: args}, nil
	}

	head, rest := args[0], args[1:]

	if p, ok := providerset.Valid(head); ok {
		return &Result{Kind: KindCliproxy, Provider: p, Rest: rest}, nil
	}

	if head == "copilot" {
		if len(rest) > 0 && copilotSubcommands[rest[0]] {
			// management verb, handled by the copilot collaborator
			return &Result{Kind: KindCopilot, Profile: "copilot", Rest: rest}, nil
		}
		return &Result{Kind: KindCopilot, Rest: rest}, nil
	}

	if prof, ok := cfg.Profiles[head]; ok {
		switch prof.Kind {
		case "account":
			return &Result{Kind: KindAccount, Profile: head, Rest: rest}, nil
		case "settings":
			return &Result{
				Kind:         KindSettings,
				Profile:      head,
				SettingsPath: settingsPath(cfg, head, prof),
				Rest:         rest,
			}, nil
		case "cliproxy":
			p, okProv := providerset.Valid(prof.Provider)
			if !okProv {
				return nil, ccerr.New(ccerr.ProfileNotFound,
					fmt.Sprintf("profile %q targets unknown provider %q", head, prof.Provider))
			}
			return &Result{
				Kind:         KindCliproxy,
				Provider:     p,
				Profile:      head,
				SettingsPath: settingsPath(cfg, head, prof),
				Model:        prof.Model,
				Rest:         rest,
			}, nil
		}
	}

	// Legacy mode: a <name>.settings.json under the config root registers
	// a settings profile without a config-file entry.
	if legacy := cfg.SettingsProfilePath(head); fileExists(legacy) {
		return &Result{Kind: KindSettings, Profile: head, SettingsPath: legacy, Rest: rest}, nil
	}

	return nil, notFound(head, cfg)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func settingsPath(cfg *config.Config, name string, prof config.ProfileConfig) string {
	if prof.SettingsFile != "" {
		return prof.SettingsFile
	}
	return cfg.SettingsProfilePath(name)
}

func notFound(name string, cfg *config.Config) error {
	known := make([]string, 0, len(cfg.Profiles))
	for profile := range cfg.Profiles {
		known = append(known, profile)
	}
	sort.Strings(known)

	msg := fmt.Sprintf("profile %q not found", name)
	if len(known) > 0 {
		msg += fmt.Sprintf("; known profiles: %s", strings.Join(known, ", "))
	}
	if close := Suggest(name, known, 2); len(close) > 0 {
		msg += fmt.Sprintf(". Did you mean: %s?", strings.Join(close, ", "))
	}
	return ccerr.New(ccerr.ProfileNotFound, msg)
}
