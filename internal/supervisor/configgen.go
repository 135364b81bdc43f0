package supervisor

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// SidecarConfig is the document generated into the sidecar's config.yaml.
type SidecarConfig struct {
	AuthDir string `yaml:"auth-dir"`
	// ClaudeAPIKeys carries third-party key entries synthesized from sync
	// operations so the sidecar can serve them alongside OAuth accounts.
	ClaudeAPIKeys []ClaudeKeyEntry `yaml:"claude-api-key,omitempty"`
	// ProviderToggles enables or disables individual providers.
	ProviderToggles map[string]bool `yaml:"providers,omitempty"`
	// RemoteManagement guards the management API with a bearer key.
	RemoteManagement *RemoteManagement `yaml:"remote-management,omitempty"`
}

// ClaudeKeyEntry is one synthesized claude-api-key record.
type ClaudeKeyEntry struct {
	APIKey  string `yaml:"api-key"`
	BaseURL string `yaml:"base-url,omitempty"`
}

// RemoteManagement is the management API key block.
type RemoteManagement struct {
	SecretKey string `yaml:"secret-key"`
}

// WriteConfig atomically regenerates the sidecar config file. Returns
// whether the contents actually changed, so callers know if a running
// sidecar now observes conflicting state and needs a restart.
func WriteConfig(path string, cfg *SidecarConfig) (bool, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return false, ccerr.Wrap(ccerr.FilesystemIO, "encode sidecar config", err)
	}

	if existing, errRead := os.ReadFile(path); errRead == nil && string(existing) == string(raw) {
		return false, nil
	}

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, ccerr.Wrap(ccerr.FilesystemIO, "create sidecar dir", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return false, ccerr.Wrap(ccerr.FilesystemIO, "write sidecar config", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return false, ccerr.Wrap(ccerr.FilesystemIO, "rename sidecar config", err)
	}
	return true, nil
}

// RegenerateConfig rewrites the generated config from the supervisor's
// current state and, when a running sidecar would observe the change,
// restarts it so process state never drifts from the file.
func (s *Supervisor) RegenerateConfig() error {
	changed, err := WriteConfig(s.ConfigFile, s.sidecarConfig())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if lock, ok := s.readLock(); ok && s.alive(lock) {
		log.Info("sidecar config changed; restarting sidecar")
		return s.Stop()
	}
	return nil
}

// WatchConfig watches the generated config file and invokes onChange on
// every write to it, until stop is closed. Used by long-lived callers (the
// web dashboard collaborator) that need to react to out-of-band edits; one
// invocation of the dispatcher does not watch.
func WatchConfig(path string, onChange func(), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "create config watcher", err)
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return ccerr.Wrap(ccerr.FilesystemIO, "watch sidecar config dir", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		base := filepath.Base(path)
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) == base && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debugf("config watcher: %v", errWatch)
			}
		}
	}()
	return nil
}
