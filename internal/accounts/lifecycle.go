package accounts

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// providerLocks serializes Solo per provider: one mutex per provider key
// rather than one global lock, so solo-ing gemini never blocks a concurrent
// pause on codex.
var providerLocks sync.Map // providerset.Provider -> *sync.Mutex

func lockFor(p providerset.Provider) *sync.Mutex {
	v, _ := providerLocks.LoadOrStore(p, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// relocate moves a token file between r.authDir and r.pausedDir, tolerating
// the file already being at the destination (a prior crash mid-operation
// left it healed by reconcile already).
func (r *Registry) relocate(fileName string, toPaused bool) error {
	from, to := r.pausedDir, r.authDir
	if toPaused {
		from, to = r.authDir, r.pausedDir
	}
	src := filepath.Join(from, fileName)
	dst := filepath.Join(to, fileName)

	if _, err := os.Stat(src); os.IsNotExist(err) {
		if _, err2 := os.Stat(dst); err2 == nil {
			return nil
		}
		return ccerr.New(ccerr.FilesystemIO, fmt.Sprintf("token file %s missing from both auth dirs", fileName))
	}
	if err := os.MkdirAll(to, 0o700); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "create auth dir", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, fmt.Sprintf("move %s", fileName), err)
	}
	return nil
}

// Pause moves idOrNickname's token file into auth-paused/ and marks it
// paused, clearing it as default if it was one.
func (r *Registry) Pause(provider providerset.Provider, idOrNickname string) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		rec := entry.Accounts[id]
		if rec.Paused {
			return nil
		}
		if err = r.relocate(rec.TokenFile, true); err != nil {
			return err
		}
		now := time.Now()
		rec.Paused = true
		rec.PausedAt = &now
		entry.Accounts[id] = rec
		if entry.Default == id {
			entry.Default = pickNewDefault(entry)
		}
		return nil
	})
}

// Resume moves idOrNickname's token file back into auth/ and clears paused.
func (r *Registry) Resume(provider providerset.Provider, idOrNickname string) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		rec := entry.Accounts[id]
		if !rec.Paused {
			return nil
		}
		if err = r.relocate(rec.TokenFile, false); err != nil {
			return err
		}
		rec.Paused = false
		rec.PausedAt = nil
		entry.Accounts[id] = rec
		if entry.Default == "" {
			entry.Default = id
		}
		return nil
	})
}

// BulkPause pauses every active account for provider except keepID, if set.
func (r *Registry) BulkPause(provider providerset.Provider, keepID string) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		for id, rec := range entry.Accounts {
			if rec.Paused || id == keepID {
				continue
			}
			if err := r.relocate(rec.TokenFile, true); err != nil {
				return err
			}
			now := time.Now()
			rec.Paused = true
			rec.PausedAt = &now
			entry.Accounts[id] = rec
			if entry.Default == id {
				entry.Default = ""
			}
		}
		if entry.Default == "" {
			entry.Default = pickNewDefault(entry)
		}
		return nil
	})
}

// BulkResume resumes every paused account for provider.
func (r *Registry) BulkResume(provider providerset.Provider) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		for id, rec := range entry.Accounts {
			if !rec.Paused {
				continue
			}
			if err := r.relocate(rec.TokenFile, false); err != nil {
				return err
			}
			rec.Paused = false
			rec.PausedAt = nil
			entry.Accounts[id] = rec
		}
		if entry.Default == "" {
			entry.Default = pickNewDefault(entry)
		}
		return nil
	})
}

// Solo pauses every other account for provider and makes idOrNickname the
// sole active, default account: a one-shot way to pin rotation to a single
// credential. Serialized per provider via providerLocks so two concurrent
// Solo invocations for the same provider cannot interleave and leave more
// than one account active.
func (r *Registry) Solo(provider providerset.Provider, idOrNickname string) error {
	lock := lockFor(provider)
	lock.Lock()
	defer lock.Unlock()

	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		keepID, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		for id, rec := range entry.Accounts {
			if id == keepID {
				continue
			}
			if !rec.Paused {
				if err = r.relocate(rec.TokenFile, true); err != nil {
					return err
				}
				now := time.Now()
				rec.Paused = true
				rec.PausedAt = &now
				entry.Accounts[id] = rec
			}
		}
		keep := entry.Accounts[keepID]
		if keep.Paused {
			if err = r.relocate(keep.TokenFile, false); err != nil {
				return err
			}
			keep.Paused = false
			keep.PausedAt = nil
			entry.Accounts[keepID] = keep
		}
		entry.Default = keepID
		return nil
	})
}

// Discover adopts token files on disk that no account owns yet and returns
// the accounts created. The registry is re-read immediately before writing
// back so a concurrent OAuth registration between scan and write is merged
// rather than clobbered: a fresh entry wins on id conflict.
func (r *Registry) Discover(provider providerset.Provider) ([]*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before, err := r.load()
	if err != nil {
		return nil, err
	}
	beforeIDs := make(map[string]bool)
	if entry, ok := before.Providers[provider]; ok {
		for id := range entry.Accounts {
			beforeIDs[id] = true
		}
	}

	// Reload-merge: the scan result is applied against a freshly re-read
	// document, never the one the caller last observed.
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	if err = r.adoptUnknown(doc); err != nil {
		return nil, err
	}
	if err = r.save(doc); err != nil {
		return nil, err
	}

	var fresh []*Account
	if entry, ok := doc.Providers[provider]; ok {
		for id, rec := range entry.Accounts {
			if !beforeIDs[id] {
				fresh = append(fresh, fromDoc(id, rec, id == entry.Default))
			}
		}
	}
	return fresh, nil
}
