package accounts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// Registry is the durable, process-wide multi-account credential store.
// It is safe for concurrent use; every mutating method reloads the on-disk
// document first so a registry instance never drifts from a sibling process
// editing the same file.
type Registry struct {
	mu sync.Mutex

	path       string
	authDir    string
	pausedDir  string
}

// NewRegistry opens the registry backed by accountsPath, scanning authDir and
// pausedDir for token files not yet reflected in the document.
func NewRegistry(accountsPath, authDir, pausedDir string) *Registry {
	return &Registry{path: accountsPath, authDir: authDir, pausedDir: pausedDir}
}

// load reads the registry document, healing it against the filesystem: any
// account whose tokenFile no longer exists in either auth/ or auth-paused/
// is dropped, a pausing state that disagrees with the file's actual
// location is corrected, and the default is re-promoted when its account
// vanished. Token files with no registry entry are left alone here;
// adopting them is Discover's job.
func (r *Registry) load() (*registryDoc, error) {
	doc := newRegistryDoc()

	raw, err := os.ReadFile(r.path)
	switch {
	case err == nil:
		if len(raw) > 0 {
			if err = json.Unmarshal(raw, doc); err != nil {
				return nil, ccerr.Wrap(ccerr.FilesystemIO, "accounts.json is corrupt", err)
			}
		}
	case os.IsNotExist(err):
		// first run, nothing to reconcile against yet
	default:
		return nil, ccerr.Wrap(ccerr.FilesystemIO, "reading accounts.json", err)
	}

	if doc.Providers == nil {
		doc.Providers = make(map[providerset.Provider]*providerDoc)
	}

	if err = r.reconcile(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// reconcile prunes accounts whose token file vanished and heals drifted
// pause state.
func (r *Registry) reconcile(doc *registryDoc) error {
	onDisk, err := discoverTokenFiles(r.authDir, r.pausedDir)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, entry := range doc.Providers {
		for id, rec := range entry.Accounts {
			known[rec.TokenFile] = true
			found, onDiskOK := onDisk[rec.TokenFile]
			if !onDiskOK {
				delete(entry.Accounts, id)
				if entry.Default == id {
					entry.Default = ""
				}
				continue
			}
			// Heal a pausing state that drifted from where the file
			// actually sits: a crash between the rename and the document
			// write leaves them disagreeing, and the file location wins.
			if rec.Paused != found.paused {
				rec.Paused = found.paused
				if found.paused {
					now := time.Now()
					rec.PausedAt = &now
					if entry.Default == id {
						entry.Default = ""
					}
				} else {
					rec.PausedAt = nil
				}
				entry.Accounts[id] = rec
			}
		}
		if entry.Default == "" {
			entry.Default = pickNewDefault(entry)
		}
	}
	return nil
}

// adoptUnknown registers every token file on disk that no account owns yet,
// deriving an identity per provider rules. Called by Discover only; plain
// loads never invent accounts.
func (r *Registry) adoptUnknown(doc *registryDoc) error {
	onDisk, err := discoverTokenFiles(r.authDir, r.pausedDir)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, entry := range doc.Providers {
		for _, rec := range entry.Accounts {
			known[rec.TokenFile] = true
		}
	}

	for tokenFile, found := range onDisk {
		if known[tokenFile] {
			continue
		}
		provider, ok := providerset.ProviderForTokenType(found.tokenType)
		if !ok {
			continue
		}
		entry := doc.providerEntry(provider)
		id, nickname := discoveredIdentity(provider, tokenFile, found.email, entry)
		if _, taken := entry.Accounts[id]; taken {
			continue
		}
		entry.Accounts[id] = accountWithoutID{
			Nickname:  nickname,
			TokenFile: tokenFile,
			Email:     found.email,
			CreatedAt: found.birthTime,
			Paused:    found.paused,
			Tier:      TierUnknown,
			Weight:    1,
		}
		if found.modTime != (time.Time{}) {
			mtime := found.modTime
			rec := entry.Accounts[id]
			rec.LastUsedAt = &mtime
			entry.Accounts[id] = rec
		}
		if entry.Default == "" && !found.paused {
			entry.Default = id
		}
	}
	return nil
}

// discoveredIdentity derives the account id and nickname for a token file
// with no registry entry. Email-identity providers key on the email with a
// nickname taken from its prefix; nickname-identity providers key on the
// filename stem when it matches the oauth naming convention, else on a
// monotonic "<provider>-N" placeholder.
func discoveredIdentity(p providerset.Provider, tokenFile, email string, entry *providerDoc) (string, string) {
	if p.HasEmail() {
		if email != "" {
			nickname := email
			if at := strings.IndexByte(email, '@'); at > 0 {
				nickname = email[:at]
			}
			return email, nickname
		}
		return strings.TrimSuffix(tokenFile, ".json"), ""
	}

	stem := strings.TrimSuffix(tokenFile, ".json")
	if strings.HasPrefix(stem, string(p)+"-oauth-") {
		return stem, stem
	}
	id := monotonicID(p, entry)
	return id, id
}

func monotonicID(p providerset.Provider, entry *providerDoc) string {
	n := 1
	for {
		candidate := fmt.Sprintf("%s-%d", p, n)
		if _, taken := entry.Accounts[candidate]; !taken {
			collides := false
			for _, rec := range entry.Accounts {
				if rec.Nickname == candidate {
					collides = true
					break
				}
			}
			if !collides {
				return candidate
			}
		}
		n++
	}
}

// save atomically persists doc via write-to-temp-then-rename.
func (r *Registry) save(doc *registryDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "marshal accounts.json", err)
	}
	if err = os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "create config dir", err)
	}
	tmp := r.path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "write accounts.json.tmp", err)
	}
	if err = os.Rename(tmp, r.path); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "rename accounts.json.tmp", err)
	}
	return nil
}

func (r *Registry) mutate(fn func(doc *registryDoc) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	if err = fn(doc); err != nil {
		return err
	}
	return r.save(doc)
}

// List returns every account for provider, sorted by nickname/email so
// repeated listings are stable for display.
func (r *Registry) List(provider providerset.Provider) ([]*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	entry := doc.providerEntry(provider)
	out := make([]*Account, 0, len(entry.Accounts))
	for id, rec := range entry.Accounts {
		out = append(out, fromDoc(id, rec, id == entry.Default))
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].DisplayName(), out[j].DisplayName()
		return ni < nj
	})
	return out, nil
}

// DisplayName is what listings and warnings call this account: the nickname
// when one is set, else the email.
func (a *Account) DisplayName() string {
	if a.Nickname != "" {
		return a.Nickname
	}
	return a.Email
}

// Default returns provider's default account, or nil if none is set.
func (r *Registry) Default(provider providerset.Provider) (*Account, error) {
	accounts, err := r.List(provider)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.IsDefault {
			return a, nil
		}
	}
	return nil, nil
}

// Find returns the account matching query within provider: an exact match
// on id, email, or nickname first, then a case-insensitive prefix match on
// nickname or email.
func (r *Registry) Find(provider providerset.Provider, query string) (*Account, error) {
	accounts, err := r.List(provider)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.ID == query || a.Nickname == query || a.Email == query {
			return a, nil
		}
	}
	lowered := strings.ToLower(query)
	for _, a := range accounts {
		if strings.HasPrefix(strings.ToLower(a.Nickname), lowered) ||
			strings.HasPrefix(strings.ToLower(a.Email), lowered) {
			return a, nil
		}
	}
	return nil, ccerr.New(ccerr.ProfileNotFound, fmt.Sprintf("no account %q for provider %s", query, provider))
}

// Register adds tokenFile as an account under provider, returning the
// resulting record. The account's identifier is its email for providers
// with an email identity and its nickname otherwise, which makes Register
// idempotent: re-registering an existing identifier refreshes lastUsedAt
// and merges in a newly learned projectID instead of creating a duplicate.
// The first account registered for a provider becomes its default.
func (r *Registry) Register(provider providerset.Provider, tokenFile, email, nickname, projectID string, makeDefault bool) (*Account, error) {
	if nickname != "" {
		if err := ValidateNickname(nickname); err != nil {
			return nil, err
		}
	}
	if !provider.HasEmail() && nickname == "" {
		return nil, ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("provider %s requires a nickname on registration", provider))
	}

	id := nickname
	if provider.HasEmail() && email != "" {
		id = email
	}
	if id == "" {
		return nil, ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("cannot derive an account id for %s: no email or nickname", provider))
	}

	var created *Account
	err := r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)

		if existing, ok := entry.Accounts[id]; ok {
			now := time.Now()
			existing.LastUsedAt = &now
			existing.TokenFile = tokenFile
			if projectID != "" {
				existing.ProjectID = projectID
			}
			entry.Accounts[id] = existing
			if makeDefault {
				entry.Default = id
			}
			created = fromDoc(id, existing, entry.Default == id)
			return nil
		}

		for otherID, rec := range entry.Accounts {
			if nickname != "" && rec.Nickname == nickname && otherID != id {
				return ccerr.New(ccerr.FilesystemIO, fmt.Sprintf("nickname %q already in use", nickname))
			}
		}

		now := time.Now()
		entry.Accounts[id] = accountWithoutID{
			Nickname: nickname, TokenFile: tokenFile, Email: email,
			CreatedAt: now, Tier: TierUnknown, Weight: 1, ProjectID: projectID,
		}
		if makeDefault || entry.Default == "" {
			entry.Default = id
		}
		created = fromDoc(id, entry.Accounts[id], entry.Default == id)
		return nil
	})
	return created, err
}

// SetDefault makes idOrNickname the default account for provider.
func (r *Registry) SetDefault(provider providerset.Provider, idOrNickname string) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		if entry.Accounts[id].Paused {
			return ccerr.New(ccerr.ProfileNotFound, "cannot default to a paused account")
		}
		entry.Default = id
		return nil
	})
}

// Rename changes idOrNickname's nickname to newNickname.
func (r *Registry) Rename(provider providerset.Provider, idOrNickname, newNickname string) error {
	if err := ValidateNickname(newNickname); err != nil {
		return err
	}
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		for otherID, rec := range entry.Accounts {
			if otherID != id && rec.Nickname == newNickname {
				return ccerr.New(ccerr.FilesystemIO, fmt.Sprintf("nickname %q already in use", newNickname))
			}
		}
		rec := entry.Accounts[id]
		rec.Nickname = newNickname
		entry.Accounts[id] = rec
		return nil
	})
}

// SetWeight updates idOrNickname's rotation weight. Zero parks the account
// out of rotation entirely; weights above 99 are rejected.
func (r *Registry) SetWeight(provider providerset.Provider, idOrNickname string, weight int) error {
	if weight < 0 || weight > 99 {
		return ccerr.New(ccerr.FilesystemIO, "weight must be between 0 and 99")
	}
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		rec := entry.Accounts[id]
		rec.Weight = weight
		entry.Accounts[id] = rec
		return nil
	})
}

// SetTier updates idOrNickname's recorded subscription tier.
func (r *Registry) SetTier(provider providerset.Provider, idOrNickname string, tier Tier) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		rec := entry.Accounts[id]
		rec.Tier = tier
		entry.Accounts[id] = rec
		return nil
	})
}

// Touch records idOrNickname as just-used, for last-used-at display and
// least-recently-used tie-breaking in rotation.
func (r *Registry) Touch(provider providerset.Provider, idOrNickname string) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		rec := entry.Accounts[id]
		now := time.Now()
		rec.LastUsedAt = &now
		entry.Accounts[id] = rec
		return nil
	})
}

// Remove destroys idOrNickname: the token file is deleted from whichever
// auth directory holds it, the registry entry is dropped, and a new default
// is promoted when the removed account was it. Deleting the file is what
// makes removal durable; a lingering token would be re-adopted by the next
// Discover sweep.
func (r *Registry) Remove(provider providerset.Provider, idOrNickname string) error {
	return r.mutate(func(doc *registryDoc) error {
		entry := doc.providerEntry(provider)
		id, err := resolveID(entry, idOrNickname)
		if err != nil {
			return err
		}
		rec := entry.Accounts[id]
		for _, dir := range []string{r.authDir, r.pausedDir} {
			if errRemove := os.Remove(filepath.Join(dir, rec.TokenFile)); errRemove != nil && !os.IsNotExist(errRemove) {
				return ccerr.Wrap(ccerr.FilesystemIO, fmt.Sprintf("delete token file %s", rec.TokenFile), errRemove)
			}
		}
		delete(entry.Accounts, id)
		if entry.Default == id {
			entry.Default = pickNewDefault(entry)
		}
		return nil
	})
}

func pickNewDefault(entry *providerDoc) string {
	for id, rec := range entry.Accounts {
		if !rec.Paused {
			return id
		}
	}
	return ""
}

func resolveID(entry *providerDoc, idOrNickname string) (string, error) {
	if _, ok := entry.Accounts[idOrNickname]; ok {
		return idOrNickname, nil
	}
	for id, rec := range entry.Accounts {
		if rec.Nickname == idOrNickname || rec.Email == idOrNickname {
			return id, nil
		}
	}
	return "", ccerr.New(ccerr.ProfileNotFound, fmt.Sprintf("no account %q", idOrNickname))
}
