package oauthflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

type scriptedPrompter struct {
	addAnswer bool
	nickname  string
}

func (p scriptedPrompter) ConfirmAddAccount(providerset.Provider, int) (bool, error) {
	return p.addAnswer, nil
}

func (p scriptedPrompter) AskNickname(_ providerset.Provider, validate func(string) error) (string, error) {
	if err := validate(p.nickname); err != nil {
		return "", err
	}
	return p.nickname, nil
}

func (p scriptedPrompter) ConfirmInstall(string, string) bool { return true }

func testDriver(t *testing.T, prompter Prompter) *Driver {
	t.Helper()
	root := t.TempDir()
	authDir := filepath.Join(root, "auth")
	pausedDir := filepath.Join(root, "auth-paused")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		t.Fatal(err)
	}
	return &Driver{
		Registry: accounts.NewRegistry(filepath.Join(root, "accounts.json"), authDir, pausedDir),
		AuthDir:  authDir,
		Prompter: prompter,
		Events:   NewBus(),
	}
}

func writeAuthFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNewestTokenFilePicksLatestOfMatchingType(t *testing.T) {
	d := testDriver(t, scriptedPrompter{})
	writeAuthFile(t, d.AuthDir, "old.json", `{"type":"gemini","email":"old@x.y"}`)
	writeAuthFile(t, d.AuthDir, "other.json", `{"type":"codex"}`)
	time.Sleep(20 * time.Millisecond)
	writeAuthFile(t, d.AuthDir, "new.json", `{"type":"gemini","email":"new@x.y"}`)

	got, err := d.newestTokenFile(providerset.Gemini)
	if err != nil {
		t.Fatalf("newestTokenFile: %v", err)
	}
	if got != "new.json" {
		t.Errorf("picked %q, want new.json", got)
	}
}

func TestNewestTokenFileNoMatch(t *testing.T) {
	d := testDriver(t, scriptedPrompter{})
	writeAuthFile(t, d.AuthDir, "other.json", `{"type":"codex"}`)
	if _, err := d.newestTokenFile(providerset.Gemini); ccerr.Of(err) != ccerr.AuthRequired {
		t.Fatalf("error = %v, want AuthRequired", err)
	}
}

func TestCompleteRegistersAccount(t *testing.T) {
	d := testDriver(t, scriptedPrompter{})
	writeAuthFile(t, d.AuthDir, "g.json", `{"type":"gemini","email":"user@x.y","project_id":"proj"}`)

	uploaded := make(chan string, 1)
	d.Uploader = func(_ providerset.Provider, path string) { uploaded <- path }

	account, err := d.complete(providerset.Gemini, Options{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if account.ID != "user@x.y" || account.ProjectID != "proj" {
		t.Errorf("account = %+v", account)
	}
	if !account.IsDefault {
		t.Error("first account must become default")
	}
	select {
	case path := <-uploaded:
		if filepath.Base(path) != "g.json" {
			t.Errorf("uploaded %q", path)
		}
	case <-time.After(time.Second):
		t.Error("uploader never fired")
	}
}

func TestInterlockDeclinedCancels(t *testing.T) {
	d := testDriver(t, scriptedPrompter{addAnswer: false})
	writeAuthFile(t, d.AuthDir, "g.json", `{"type":"gemini","email":"user@x.y"}`)
	if _, err := d.Registry.Register(providerset.Gemini, "g.json", "user@x.y", "", "", true); err != nil {
		t.Fatal(err)
	}

	err := d.interlock(providerset.Gemini, Options{})
	if ccerr.Of(err) != ccerr.UserCancelled {
		t.Fatalf("error = %v, want UserCancelled", err)
	}
	if err = d.interlock(providerset.Gemini, Options{Add: true}); err != nil {
		t.Fatalf("Add must skip the interlock: %v", err)
	}
}

func TestNicknameGate(t *testing.T) {
	d := testDriver(t, scriptedPrompter{nickname: "mykiro"})

	opts := Options{}
	if err := d.nicknameGate(providerset.Kiro, &opts); err != nil {
		t.Fatalf("nicknameGate: %v", err)
	}
	if opts.Nickname != "mykiro" {
		t.Errorf("nickname = %q", opts.Nickname)
	}

	// Email providers never gate.
	opts = Options{}
	if err := d.nicknameGate(providerset.Gemini, &opts); err != nil || opts.Nickname != "" {
		t.Errorf("gemini gate: %v %q", err, opts.Nickname)
	}

	// Reserved patterns are rejected by the validator the gate wires in.
	bad := testDriver(t, scriptedPrompter{nickname: "kiro-1"})
	opts = Options{}
	if err := bad.nicknameGate(providerset.Kiro, &opts); err == nil {
		t.Error("reserved nickname must be rejected")
	}
}

func TestValidateCallbackURL(t *testing.T) {
	if err := validateCallbackURL("http://localhost:8085/cb?code=abc&state=x"); err != nil {
		t.Errorf("valid URL rejected: %v", err)
	}
	if err := validateCallbackURL("http://localhost:8085/cb?state=x"); err == nil {
		t.Error("URL without code accepted")
	}
}

func TestBusDropsSlowSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := 0; i < 40; i++ {
		bus.Publish(Event{Kind: EventDeviceCodeReceived})
	}
	// The bounded buffer keeps the most it can; publishing never blocked.
	if len(ch) == 0 {
		t.Error("expected buffered events")
	}
}

func TestOptionsTimeout(t *testing.T) {
	if (Options{}).timeout() != 2*time.Minute {
		t.Error("interactive timeout should be 2m")
	}
	if (Options{Headless: true}).timeout() != 5*time.Minute {
		t.Error("headless timeout should be 5m")
	}
}
