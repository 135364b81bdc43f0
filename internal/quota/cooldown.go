// Package quota fetches per-provider quota snapshots, tracks exhaustion
// cooldowns, drives default-account selection with failover, and realizes
// account weights as duplicated token files the sidecar load-balances over.
package quota

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/unkcaicai/ccswitch/internal/providerset"
	"github.com/unkcaicai/ccswitch/internal/statedb"
)

const cooldownBucket = "cooldowns"

// cooldownRecord is the persisted per-(provider,account) cooldown entry, so
// an exhausted account stays benched across restarts.
type cooldownRecord struct {
	UntilEpochMs int64  `json:"untilEpochMs"`
	Reason       string `json:"reason"`
}

// CooldownStore persists cooldown entries in the orchestrator state file.
type CooldownStore struct {
	dbPath string
}

// NewCooldownStore opens a cooldown store backed by dbPath.
func NewCooldownStore(dbPath string) *CooldownStore {
	return &CooldownStore{dbPath: dbPath}
}

func cooldownKey(p providerset.Provider, accountID string) string {
	return fmt.Sprintf("%s/%s", p, accountID)
}

// Set benches (provider, accountID) until the given time.
func (c *CooldownStore) Set(p providerset.Provider, accountID string, until time.Time, reason string) error {
	return statedb.Put(c.dbPath, cooldownBucket, cooldownKey(p, accountID), cooldownRecord{
		UntilEpochMs: until.UnixMilli(),
		Reason:       reason,
	})
}

// IsOnCooldown reports whether the account is currently benched and why.
// Expired entries are treated as absent; lookup errors fail open so a
// corrupt state file never blocks selection.
func (c *CooldownStore) IsOnCooldown(p providerset.Provider, accountID string) (bool, string) {
	var rec cooldownRecord
	found, err := statedb.Get(c.dbPath, cooldownBucket, cooldownKey(p, accountID), &rec)
	if err != nil || !found {
		return false, ""
	}
	if time.Now().UnixMilli() >= rec.UntilEpochMs {
		return false, ""
	}
	return true, rec.Reason
}

// Clear removes the cooldown entry for (provider, accountID).
func (c *CooldownStore) Clear(p providerset.Provider, accountID string) error {
	return statedb.Delete(c.dbPath, cooldownBucket, cooldownKey(p, accountID))
}

// ActiveCooldown describes one currently benched account, for diagnostics.
type ActiveCooldown struct {
	Key    string
	Until  time.Time
	Reason string
}

// Active lists every cooldown entry still in the future.
func (c *CooldownStore) Active() ([]ActiveCooldown, error) {
	var out []ActiveCooldown
	now := time.Now().UnixMilli()
	err := statedb.ForEach(c.dbPath, cooldownBucket, func(key string, raw []byte) error {
		var rec cooldownRecord
		if errDecode := json.Unmarshal(raw, &rec); errDecode != nil {
			return nil
		}
		if rec.UntilEpochMs > now {
			out = append(out, ActiveCooldown{
				Key:    key,
				Until:  time.UnixMilli(rec.UntilEpochMs),
				Reason: rec.Reason,
			})
		}
		return nil
	})
	return out, err
}
