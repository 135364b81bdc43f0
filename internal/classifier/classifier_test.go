package classifier

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/config"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CCSW_CONFIG_DIR", t.TempDir())
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	cfg.Profiles = map[string]config.ProfileConfig{
		"work":     {Kind: "settings"},
		"personal": {Kind: "settings"},
		"sandbox":  {Kind: "account"},
		"gm-pro":   {Kind: "cliproxy", Provider: "gemini", Model: "gemini-2.5-pro"},
	}
	return cfg
}

func TestClassifyDefault(t *testing.T) {
	cfg := testConfig(t)
	for _, args := range [][]string{nil, {}, {"--resume"}, {"-p", "hello"}} {
		res, err := Classify(args, cfg)
		if err != nil {
			t.Fatalf("Classify(%v) error: %v", args, err)
		}
		if res.Kind != KindDefault {
			t.Errorf("Classify(%v) kind = %s, want default", args, res.Kind)
		}
	}
}

func TestClassifyReservedProvider(t *testing.T) {
	cfg := testConfig(t)
	res, err := Classify([]string{"gemini", "hi"}, cfg)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Kind != KindCliproxy || res.Provider != providerset.Gemini {
		t.Errorf("got kind=%s provider=%s, want cliproxy/gemini", res.Kind, res.Provider)
	}
	if len(res.Rest) != 1 || res.Rest[0] != "hi" {
		t.Errorf("rest = %v, want [hi]", res.Rest)
	}
}

func TestClassifyProfiles(t *testing.T) {
	cfg := testConfig(t)

	res, err := Classify([]string{"work"}, cfg)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Kind != KindSettings || res.Profile != "work" {
		t.Errorf("got %+v, want settings/work", res)
	}
	if res.SettingsPath == "" || !strings.HasSuffix(res.SettingsPath, "work.settings.json") {
		t.Errorf("settings path = %q", res.SettingsPath)
	}

	res, err = Classify([]string{"sandbox"}, cfg)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Kind != KindAccount {
		t.Errorf("kind = %s, want account", res.Kind)
	}

	res, err = Classify([]string{"gm-pro"}, cfg)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Kind != KindCliproxy || res.Provider != providerset.Gemini || res.Model != "gemini-2.5-pro" {
		t.Errorf("variant result = %+v", res)
	}
}

func TestClassifyCopilot(t *testing.T) {
	cfg := testConfig(t)
	res, err := Classify([]string{"copilot", "some prompt"}, cfg)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Kind != KindCopilot {
		t.Errorf("kind = %s, want copilot", res.Kind)
	}
}

func TestClassifyLegacySettingsFile(t *testing.T) {
	cfg := testConfig(t)
	path := cfg.SettingsProfilePath("glmt")
	if err := os.WriteFile(path, []byte(`{"baseURL":"https://x","apiKey":"k"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := Classify([]string{"glmt", "hi"}, cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Kind != KindSettings || res.SettingsPath != path {
		t.Errorf("legacy result = %+v", res)
	}
}

func TestClassifyNotFoundSuggests(t *testing.T) {
	cfg := testConfig(t)
	_, err := Classify([]string{"worj"}, cfg)
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
	var cErr *ccerr.Error
	if !errors.As(err, &cErr) || cErr.Kind != ccerr.ProfileNotFound {
		t.Fatalf("error = %v, want ProfileNotFound", err)
	}
	if !strings.Contains(err.Error(), "work") || !strings.Contains(err.Error(), "personal") {
		t.Errorf("error should list known profiles: %v", err)
	}
	if !strings.Contains(err.Error(), "Did you mean") {
		t.Errorf("error should carry suggestions: %v", err)
	}
}

func TestSuggest(t *testing.T) {
	candidates := []string{"work", "personal", "sandbox"}
	got := Suggest("worj", candidates, 2)
	if len(got) != 1 || got[0] != "work" {
		t.Errorf("Suggest(worj) = %v, want [work]", got)
	}
	if got = Suggest("wrok", candidates, 2); len(got) != 1 || got[0] != "work" {
		t.Errorf("transposition should be one edit: %v", got)
	}
	if got = Suggest("zzzzzz", candidates, 2); len(got) != 0 {
		t.Errorf("Suggest(zzzzzz) = %v, want none", got)
	}
}
