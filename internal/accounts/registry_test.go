package accounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/unkcaicai/ccswitch/internal/providerset"
)

func newTestRegistry(t *testing.T) (*Registry, string, string) {
	t.Helper()
	root := t.TempDir()
	authDir := filepath.Join(root, "auth")
	pausedDir := filepath.Join(root, "auth-paused")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(pausedDir, 0o700); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(filepath.Join(root, "accounts.json"), authDir, pausedDir)
	return reg, authDir, pausedDir
}

func writeTokenFile(t *testing.T, dir, name, tokenType, email string) {
	t.Helper()
	content := `{"type":"` + tokenType + `","email":"` + email + `"}`
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterAndList(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "codex-a.json", "codex", "a@example.com")

	acc, err := reg.Register(providerset.Codex, "codex-a.json", "a@example.com", "work", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !acc.IsDefault {
		t.Fatal("first registered account should be default")
	}

	list, err := reg.List(providerset.Codex)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Nickname != "work" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestRegisterIdempotentByID(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "codex-a.json", "codex", "a@example.com")

	first, err := reg.Register(providerset.Codex, "codex-a.json", "a@example.com", "work", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := reg.Register(providerset.Codex, "codex-a.json", "a@example.com", "work", "proj-1", true)
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %q vs %q", first.ID, second.ID)
	}
	if second.LastUsedAt == nil {
		t.Fatal("re-registration should stamp lastUsedAt")
	}
	if second.ProjectID != "proj-1" {
		t.Fatalf("projectID not merged: %+v", second)
	}

	list, err := reg.List(providerset.Codex)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected a single account, got %d", len(list))
	}
}

func TestRegisterEmailProviderKeysOnEmail(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "g.json", "gemini", "user@example.com")

	acc, err := reg.Register(providerset.Gemini, "g.json", "user@example.com", "", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if acc.ID != "user@example.com" {
		t.Fatalf("id = %q, want the email", acc.ID)
	}
}

func TestRegisterNoEmailProviderRequiresNickname(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "k.json", "kiro", "")

	if _, err := reg.Register(providerset.Kiro, "k.json", "", "", "", true); err == nil {
		t.Fatal("kiro registration without a nickname must fail")
	}
	acc, err := reg.Register(providerset.Kiro, "k.json", "", "mykiro", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if acc.ID != acc.Nickname {
		t.Fatalf("no-email provider id should equal nickname: %+v", acc)
	}
}

func TestFindPrefixMatch(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "alpha@example.com")
	if _, err := reg.Register(providerset.Codex, "a.json", "alpha@example.com", "workbench", "", true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	acc, err := reg.Find(providerset.Codex, "WORK")
	if err != nil {
		t.Fatalf("Find by prefix: %v", err)
	}
	if acc.Nickname != "workbench" {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if _, err = reg.Find(providerset.Codex, "zzz"); err == nil {
		t.Fatal("expected no match")
	}
}

func TestRegisterDuplicateNicknameRejected(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "a@example.com")
	writeTokenFile(t, authDir, "b.json", "codex", "b@example.com")

	if _, err := reg.Register(providerset.Codex, "a.json", "a@example.com", "work", "", true); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := reg.Register(providerset.Codex, "b.json", "b@example.com", "work", "", false); err == nil {
		t.Fatal("expected duplicate nickname error")
	}
}

func TestPauseResumeMovesFileAndClearsDefault(t *testing.T) {
	reg, authDir, pausedDir := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "a@example.com")

	acc, err := reg.Register(providerset.Codex, "a.json", "a@example.com", "work", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err = reg.Pause(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err = os.Stat(filepath.Join(pausedDir, "a.json")); err != nil {
		t.Fatalf("expected token file under auth-paused/: %v", err)
	}

	def, err := reg.Default(providerset.Codex)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if def != nil {
		t.Fatalf("expected no default after pausing sole account, got %+v", def)
	}

	if err = reg.Resume(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err = os.Stat(filepath.Join(authDir, "a.json")); err != nil {
		t.Fatalf("expected token file back under auth/: %v", err)
	}
}

func TestSoloPausesAllOthers(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "a@example.com")
	writeTokenFile(t, authDir, "b.json", "codex", "b@example.com")
	writeTokenFile(t, authDir, "c.json", "codex", "c@example.com")

	accA, _ := reg.Register(providerset.Codex, "a.json", "a@example.com", "a", "", true)
	accB, _ := reg.Register(providerset.Codex, "b.json", "b@example.com", "b", "", false)
	_, _ = reg.Register(providerset.Codex, "c.json", "c@example.com", "c", "", false)

	if err := reg.Solo(providerset.Codex, accB.ID); err != nil {
		t.Fatalf("Solo: %v", err)
	}

	list, err := reg.List(providerset.Codex)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, a := range list {
		if a.ID == accB.ID {
			if a.Paused || !a.IsDefault {
				t.Fatalf("solo target should be active and default: %+v", a)
			}
		} else if !a.Paused {
			t.Fatalf("non-target account should be paused after solo: %+v", a)
		}
	}
	_ = accA
}

func TestDiscoverFindsUntrackedTokenFile(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "kiro.json", "kiro", "")

	fresh, err := reg.Discover(providerset.Kiro)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected 1 discovered account, got %d", len(fresh))
	}
	if fresh[0].Nickname == "" {
		t.Fatal("kiro account should get an auto nickname")
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	reg, authDir, pausedDir := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "a@example.com")
	acc, err := reg.Register(providerset.Codex, "a.json", "a@example.com", "work", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err = reg.Pause(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err = reg.Pause(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if _, err = os.Stat(filepath.Join(pausedDir, "a.json")); err != nil {
		t.Fatalf("token should sit under auth-paused/: %v", err)
	}

	if err = reg.Resume(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err = reg.Resume(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if _, err = os.Stat(filepath.Join(authDir, "a.json")); err != nil {
		t.Fatalf("token should be back under auth/: %v", err)
	}
}

func TestDiscoverTwiceDoesNotDuplicate(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "g.json", "gemini", "user@example.com")

	first, err := reg.Discover(providerset.Gemini)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first discover = %d accounts", len(first))
	}
	second, err := reg.Discover(providerset.Gemini)
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second discover should find nothing new, got %d", len(second))
	}
	list, _ := reg.List(providerset.Gemini)
	if len(list) != 1 {
		t.Fatalf("list = %d accounts, want 1", len(list))
	}
}

func TestTokenFileIsBasename(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "g.json", "gemini", "user@example.com")
	if _, err := reg.Register(providerset.Gemini, "g.json", "user@example.com", "", "", true); err != nil {
		t.Fatal(err)
	}
	list, err := reg.List(providerset.Gemini)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range list {
		if a.TokenFile != filepath.Base(a.TokenFile) {
			t.Errorf("tokenFile %q is not a basename", a.TokenFile)
		}
	}
}

func TestExactlyOneDefaultInvariant(t *testing.T) {
	reg, authDir, _ := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "a@example.com")
	writeTokenFile(t, authDir, "b.json", "codex", "b@example.com")
	accA, _ := reg.Register(providerset.Codex, "a.json", "a@example.com", "", "", true)
	_, _ = reg.Register(providerset.Codex, "b.json", "b@example.com", "", "", false)

	countDefaults := func() int {
		list, err := reg.List(providerset.Codex)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, a := range list {
			if a.IsDefault {
				n++
			}
		}
		return n
	}

	if countDefaults() != 1 {
		t.Fatalf("defaults = %d after registration", countDefaults())
	}
	if err := reg.Pause(providerset.Codex, accA.ID); err != nil {
		t.Fatal(err)
	}
	if countDefaults() != 1 {
		t.Fatalf("defaults = %d after pausing the default", countDefaults())
	}
	if err := reg.Remove(providerset.Codex, "b@example.com"); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveDeletesTokenFile(t *testing.T) {
	reg, authDir, pausedDir := newTestRegistry(t)
	writeTokenFile(t, authDir, "a.json", "codex", "a@example.com")
	acc, err := reg.Register(providerset.Codex, "a.json", "a@example.com", "work", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err = reg.Remove(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err = os.Stat(filepath.Join(authDir, "a.json")); !os.IsNotExist(err) {
		t.Fatal("token file must be deleted with the account")
	}
	// Nothing is left for a discovery sweep to resurrect.
	fresh, err := reg.Discover(providerset.Codex)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("removed account came back: %+v", fresh)
	}

	// A paused account's file is deleted from auth-paused/.
	writeTokenFile(t, authDir, "b.json", "codex", "b@example.com")
	acc, err = reg.Register(providerset.Codex, "b.json", "b@example.com", "other", "", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err = reg.Pause(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err = reg.Remove(providerset.Codex, acc.ID); err != nil {
		t.Fatalf("Remove paused: %v", err)
	}
	if _, err = os.Stat(filepath.Join(pausedDir, "b.json")); !os.IsNotExist(err) {
		t.Fatal("paused token file must be deleted with the account")
	}
}
