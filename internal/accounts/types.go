// Package accounts implements the durable multi-account credential store:
// registration, discovery from token files already on disk,
// pause/resume/rename/weight/tier mutation, and the solo/bulk operations
// the quota and rotation engine drives.
package accounts

import (
	"time"

	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// Tier is the subscription tier an account is known to carry.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierUltra   Tier = "ultra"
	TierUnknown Tier = "unknown"
)

// Account is one credential set for a single provider.
type Account struct {
	ID         string     `json:"id"`
	Email      string     `json:"email,omitempty"`
	Nickname   string     `json:"nickname"`
	TokenFile  string     `json:"tokenFile"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Paused     bool       `json:"paused,omitempty"`
	PausedAt   *time.Time `json:"pausedAt,omitempty"`
	Tier       Tier       `json:"tier"`
	Weight     int        `json:"weight"`
	ProjectID  string     `json:"projectId,omitempty"`

	// IsDefault is computed from the registry's per-provider default
	// pointer at read time; it is never itself persisted on the account.
	IsDefault bool `json:"isDefault"`
}

// Clone deep-copies an Account so callers can mutate the result without
// corrupting registry state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		cp.LastUsedAt = &t
	}
	if a.PausedAt != nil {
		t := *a.PausedAt
		cp.PausedAt = &t
	}
	return &cp
}

// providerDoc is one provider's slice of the registry document.
type providerDoc struct {
	Default  string                        `json:"default"`
	Accounts map[string]accountWithoutID   `json:"accounts"`
}

// accountWithoutID mirrors Account but omits ID, since the registry
// document keys each account by ID already.
type accountWithoutID struct {
	Email      string     `json:"email,omitempty"`
	Nickname   string     `json:"nickname"`
	TokenFile  string     `json:"tokenFile"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Paused     bool       `json:"paused,omitempty"`
	PausedAt   *time.Time `json:"pausedAt,omitempty"`
	Tier       Tier       `json:"tier"`
	Weight     int        `json:"weight"`
	ProjectID  string     `json:"projectId,omitempty"`
}

func (a *Account) toDoc() accountWithoutID {
	return accountWithoutID{
		Email: a.Email, Nickname: a.Nickname, TokenFile: a.TokenFile,
		CreatedAt: a.CreatedAt, LastUsedAt: a.LastUsedAt, Paused: a.Paused,
		PausedAt: a.PausedAt, Tier: a.Tier, Weight: a.Weight, ProjectID: a.ProjectID,
	}
}

func fromDoc(id string, d accountWithoutID, isDefault bool) *Account {
	return &Account{
		ID: id, Email: d.Email, Nickname: d.Nickname, TokenFile: d.TokenFile,
		CreatedAt: d.CreatedAt, LastUsedAt: d.LastUsedAt, Paused: d.Paused,
		PausedAt: d.PausedAt, Tier: d.Tier, Weight: d.Weight, ProjectID: d.ProjectID,
		IsDefault: isDefault,
	}
}

// registryDoc is the on-disk shape of accounts.json.
type registryDoc struct {
	Version   int                                    `json:"version"`
	Providers map[providerset.Provider]*providerDoc `json:"providers"`
}

func newRegistryDoc() *registryDoc {
	return &registryDoc{Version: 1, Providers: make(map[providerset.Provider]*providerDoc)}
}

func (d *registryDoc) providerEntry(p providerset.Provider) *providerDoc {
	if d.Providers == nil {
		d.Providers = make(map[providerset.Provider]*providerDoc)
	}
	entry, ok := d.Providers[p]
	if !ok {
		entry = &providerDoc{Accounts: make(map[string]accountWithoutID)}
		d.Providers[p] = entry
	}
	if entry.Accounts == nil {
		entry.Accounts = make(map[string]accountWithoutID)
	}
	return entry
}
