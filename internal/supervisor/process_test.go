package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	return &Supervisor{
		ConfigFile: filepath.Join(dir, "config.yaml"),
		DBPath:     filepath.Join(dir, "state.db"),
		AuthDir:    filepath.Join(dir, "auth"),
	}
}

func TestSidecarConfigCarriesAuthDirAndKey(t *testing.T) {
	s := testSupervisor(t)
	s.ManagementKey = "secret"
	s.ClaudeAPIKeys = []ClaudeKeyEntry{{APIKey: "sk-x", BaseURL: "https://api.example.com"}}

	cfg := s.sidecarConfig()
	if cfg.AuthDir != s.AuthDir {
		t.Errorf("auth dir = %q, want %q", cfg.AuthDir, s.AuthDir)
	}
	if cfg.RemoteManagement == nil || cfg.RemoteManagement.SecretKey != "secret" {
		t.Errorf("remote management = %+v", cfg.RemoteManagement)
	}
	if len(cfg.ClaudeAPIKeys) != 1 || cfg.ClaudeAPIKeys[0].APIKey != "sk-x" {
		t.Errorf("claude keys = %+v", cfg.ClaudeAPIKeys)
	}

	s.ManagementKey = ""
	if s.sidecarConfig().RemoteManagement != nil {
		t.Error("empty key must not emit a remote-management block")
	}
}

func TestRegenerateConfigWritesFile(t *testing.T) {
	s := testSupervisor(t)
	if err := s.RegenerateConfig(); err != nil {
		t.Fatalf("RegenerateConfig: %v", err)
	}
	raw, err := os.ReadFile(s.ConfigFile)
	if err != nil {
		t.Fatalf("generated config missing: %v", err)
	}
	if !strings.Contains(string(raw), "auth-dir:") {
		t.Errorf("config lacks auth-dir: %s", raw)
	}
	// No running sidecar: regeneration must not error on the restart path.
	if err = s.RegenerateConfig(); err != nil {
		t.Fatalf("idempotent RegenerateConfig: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := testSupervisor(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop with no lock: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopClearsLock(t *testing.T) {
	s := testSupervisor(t)
	if err := s.writeLock(SessionLock{PID: 999999999, Port: 1, StartedAt: time.Now(), SessionCount: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := s.readLock(); ok {
		t.Fatal("lock must be gone after Stop")
	}
}

func TestStaleLockDetection(t *testing.T) {
	s := testSupervisor(t)
	// A pid that cannot exist and a port nothing listens on.
	stale := SessionLock{PID: 999999999, Port: 1, StartedAt: time.Now(), SessionCount: 1}
	if s.alive(stale) {
		t.Fatal("stale lock reported alive")
	}
	// Our own pid is alive but the port check still fails.
	half := SessionLock{PID: os.Getpid(), Port: 1}
	if s.alive(half) {
		t.Fatal("pid-alive with closed port must still count as stale")
	}
}

func TestReleaseSessionDecrements(t *testing.T) {
	s := testSupervisor(t)
	if err := s.writeLock(SessionLock{PID: os.Getpid(), Port: 80, SessionCount: 2}); err != nil {
		t.Fatal(err)
	}
	s.ReleaseSession()
	lock, ok := s.readLock()
	if !ok || lock.SessionCount != 1 {
		t.Fatalf("lock after release = %+v ok=%v", lock, ok)
	}
	s.ReleaseSession()
	s.ReleaseSession() // must not go negative
	lock, _ = s.readLock()
	if lock.SessionCount != 0 {
		t.Fatalf("session count = %d, want 0", lock.SessionCount)
	}
}

func TestWriteConfigReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := &SidecarConfig{AuthDir: "/tmp/auth"}

	changed, err := WriteConfig(path, cfg)
	if err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if !changed {
		t.Error("first write must report a change")
	}

	changed, err = WriteConfig(path, cfg)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if changed {
		t.Error("identical rewrite must report no change")
	}

	cfg.ProviderToggles = map[string]bool{"gemini": true}
	changed, err = WriteConfig(path, cfg)
	if err != nil {
		t.Fatalf("modified write: %v", err)
	}
	if !changed {
		t.Error("modified write must report a change")
	}
}
