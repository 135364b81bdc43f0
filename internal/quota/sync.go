package quota

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// copyMarker tags the derived duplicate files weighted sync creates, so a
// later sync can tell its own copies apart from real token files.
const copyMarker = ".w"

// Syncer realizes account weights as duplicated token files inside the auth
// directory. The sidecar's own round-robin then sees an account with weight
// k exactly k times, which is the whole load-balancing contract: no
// per-request coordination happens here.
type Syncer struct {
	Registry *accounts.Registry
	AuthDir  string

	locks sync.Map // providerset.Provider -> *sync.Mutex
}

func (s *Syncer) lockFor(p providerset.Provider) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(p, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// copyName derives the deterministic filename for the i-th extra duplicate
// of base (the original file is copy one and keeps its own name).
func copyName(base string, i int) string {
	stem := strings.TrimSuffix(base, ".json")
	return fmt.Sprintf("%s%s%d.json", stem, copyMarker, i)
}

// isCopyOf reports whether name is a derived duplicate of base.
func isCopyOf(name, base string) bool {
	stem := strings.TrimSuffix(base, ".json")
	rest, ok := strings.CutPrefix(name, stem+copyMarker)
	if !ok {
		return false
	}
	rest = strings.TrimSuffix(rest, ".json")
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Sync reconciles the auth directory with provider's current weights:
// weight k keeps the original plus k-1 derived copies, weight zero pauses
// the account so the file leaves the directory entirely. Serialized per
// provider; repeated runs with unchanged weights touch nothing.
func (s *Syncer) Sync(provider providerset.Provider) error {
	lock := s.lockFor(provider)
	lock.Lock()
	defer lock.Unlock()

	list, err := s.Registry.List(provider)
	if err != nil {
		return err
	}

	for _, account := range list {
		if account.Weight == 0 && !account.Paused {
			if err = s.Registry.Pause(provider, account.ID); err != nil {
				return err
			}
			account.Paused = true
		}

		wanted := make(map[string]bool)
		if !account.Paused {
			for i := 2; i <= account.Weight; i++ {
				wanted[copyName(account.TokenFile, i)] = true
			}
		}

		existing, errScan := s.copiesOf(account.TokenFile)
		if errScan != nil {
			return errScan
		}

		for name := range wanted {
			if existing[name] {
				continue
			}
			if err = s.duplicate(account.TokenFile, name); err != nil {
				return err
			}
		}
		for name := range existing {
			if wanted[name] {
				continue
			}
			if err = os.Remove(filepath.Join(s.AuthDir, name)); err != nil && !os.IsNotExist(err) {
				return ccerr.Wrap(ccerr.FilesystemIO, "remove stale weight copy", err)
			}
			log.Debugf("weighted sync: removed stale copy %s", name)
		}
	}
	return nil
}

func (s *Syncer) copiesOf(base string) (map[string]bool, error) {
	out := make(map[string]bool)
	entries, err := os.ReadDir(s.AuthDir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, ccerr.Wrap(ccerr.FilesystemIO, "scan auth dir", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isCopyOf(entry.Name(), base) {
			out[entry.Name()] = true
		}
	}
	return out, nil
}

func (s *Syncer) duplicate(base, name string) error {
	raw, err := os.ReadFile(filepath.Join(s.AuthDir, base))
	if err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "read token for weight copy", err)
	}
	tmp := filepath.Join(s.AuthDir, name+".tmp")
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "write weight copy", err)
	}
	if err = os.Rename(tmp, filepath.Join(s.AuthDir, name)); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "rename weight copy", err)
	}
	return nil
}

// ApplyTierDefaults rewrites every account's weight for provider from the
// tier-to-weight map, then re-syncs the directory. Accounts whose tier is
// absent from the map keep their current weight.
func (s *Syncer) ApplyTierDefaults(provider providerset.Provider, weights map[accounts.Tier]int) error {
	list, err := s.Registry.List(provider)
	if err != nil {
		return err
	}
	for _, account := range list {
		weight, ok := weights[account.Tier]
		if !ok || weight == account.Weight {
			continue
		}
		if err = s.Registry.SetWeight(provider, account.ID, weight); err != nil {
			return err
		}
	}
	return s.Sync(provider)
}
