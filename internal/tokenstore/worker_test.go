package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

func workerFixture(t *testing.T) (*Worker, string) {
	t.Helper()
	root := t.TempDir()
	authDir := filepath.Join(root, "auth")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		t.Fatal(err)
	}
	registry := accounts.NewRegistry(filepath.Join(root, "accounts.json"), authDir, filepath.Join(root, "auth-paused"))
	return &Worker{
		Registry:  registry,
		Store:     NewStore(authDir),
		Refresher: &Refresher{},
		Interval:  time.Hour,
		Horizon:   45 * time.Minute,
	}, authDir
}

func TestWorkerCycleSkipsDelegatedAndFresh(t *testing.T) {
	w, authDir := workerFixture(t)

	// A delegated provider's token, well inside the refresh window.
	writeWorkerToken(t, authDir, "c.json", "codex", "c@x.y", time.Now().Add(time.Minute))
	// A gemini token far from expiry.
	writeWorkerToken(t, authDir, "g.json", "gemini", "g@x.y", time.Now().Add(24*time.Hour))

	register(t, w.Registry, providerset.Codex, "c.json", "c@x.y")
	register(t, w.Registry, providerset.Gemini, "g.json", "g@x.y")

	w.runCycle(context.Background())
	results := w.LastCycle()
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results {
		switch r.Provider {
		case providerset.Codex:
			if r.Skipped != "delegated" {
				t.Errorf("codex skip = %q, want delegated", r.Skipped)
			}
		case providerset.Gemini:
			if r.Skipped != "fresh" {
				t.Errorf("gemini skip = %q, want fresh", r.Skipped)
			}
		}
		if r.Refreshed || r.Err != nil {
			t.Errorf("nothing should refresh or fail: %+v", r)
		}
	}
}

func TestWorkerCycleSkipsPaused(t *testing.T) {
	w, authDir := workerFixture(t)
	writeWorkerToken(t, authDir, "g.json", "gemini", "g@x.y", time.Now().Add(time.Minute))
	register(t, w.Registry, providerset.Gemini, "g.json", "g@x.y")
	if err := w.Registry.Pause(providerset.Gemini, "g@x.y"); err != nil {
		t.Fatal(err)
	}

	w.runCycle(context.Background())
	for _, r := range w.LastCycle() {
		if r.Skipped != "paused" {
			t.Errorf("paused account result = %+v", r)
		}
	}
}

func TestWorkerStartStop(t *testing.T) {
	w, _ := workerFixture(t)
	w.Interval = 10 * time.Millisecond
	w.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func writeWorkerToken(t *testing.T, dir, name, tokenType, email string, expiry time.Time) {
	t.Helper()
	body := fmt.Sprintf(`{"type":%q,"email":%q,"refresh_token":"rt","access_token":"at","expiry_date":%d}`,
		tokenType, email, expiry.UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func register(t *testing.T, registry *accounts.Registry, p providerset.Provider, file, email string) {
	t.Helper()
	if _, err := registry.Register(p, file, email, "", "", false); err != nil {
		t.Fatal(err)
	}
}
