// Package providerset enumerates the reserved OAuth-capable model providers
// this orchestrator knows how to route to. It is a leaf package: both the
// profile classifier and the account registry depend on it, and it depends
// on nothing in this module, so profile detection and account management
// never reference each other.
package providerset

// Provider identifies one of the reserved OAuth-capable model sources.
type Provider string

// The fixed set of reserved provider tags. A user profile name is never
// allowed to collide with one of these unless the profile is that provider.
const (
	Gemini Provider = "gemini"
	Codex  Provider = "codex"
	Agy    Provider = "agy"
	Qwen   Provider = "qwen"
	IFlow  Provider = "iflow"
	Kiro   Provider = "kiro"
	GHCP   Provider = "ghcp"
)

// All lists every reserved provider in a stable, deterministic order.
var All = []Provider{Gemini, Codex, Agy, Qwen, IFlow, Kiro, GHCP}

// HasEmail reports whether the provider's stable account identifier is an
// email address. Providers without an email identity require a caller
// supplied nickname instead.
func (p Provider) HasEmail() bool {
	switch p {
	case Kiro, GHCP:
		return false
	default:
		return true
	}
}

// Delegated reports whether token refresh for this provider is owned by the
// sidecar proxy binary rather than by this core. Gemini is the sole provider
// whose CLI-style refresh token this core refreshes itself.
func (p Provider) Delegated() bool {
	return p != Gemini
}

// Valid reports whether s names one of the reserved providers.
func Valid(s string) (Provider, bool) {
	p := Provider(s)
	for _, candidate := range All {
		if candidate == p {
			return p, true
		}
	}
	return "", false
}

// String implements fmt.Stringer.
func (p Provider) String() string { return string(p) }

// TokenTypeValues returns the values a token file's "type" field may carry
// for this provider, used by discovery to identify a provider from a raw
// auth JSON file without assuming any particular provider's token shape.
func TokenTypeValues(p Provider) []string {
	switch p {
	case Gemini:
		return []string{"gemini", "gemini-cli"}
	case Codex:
		return []string{"codex"}
	case Agy:
		return []string{"agy", "gemini-cloud-assist"}
	case Qwen:
		return []string{"qwen"}
	case IFlow:
		return []string{"iflow"}
	case Kiro:
		return []string{"kiro"}
	case GHCP:
		return []string{"ghcp", "github-copilot"}
	default:
		return nil
	}
}

// ProviderForTokenType resolves the provider owning a given token "type"
// field value, as read from an auth JSON file on disk.
func ProviderForTokenType(tokenType string) (Provider, bool) {
	for _, p := range All {
		for _, v := range TokenTypeValues(p) {
			if v == tokenType {
				return p, true
			}
		}
	}
	return "", false
}

// CallbackPort returns the fixed local callback port this provider's
// authorization-code OAuth flow uses, when it uses one. Device-code and
// no-port flows return ok=false.
func CallbackPort(p Provider) (int, bool) {
	switch p {
	case Gemini:
		return 8085, true
	case Agy:
		return 8086, true
	case Kiro:
		return 8087, true
	case GHCP:
		return 0, false // device-code flow, no local port
	case Qwen, IFlow:
		return 0, false // device-code flow, no local port
	case Codex:
		return 1455, true
	default:
		return 0, false
	}
}
