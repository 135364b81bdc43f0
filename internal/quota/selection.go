package quota

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
	"github.com/unkcaicai/ccswitch/internal/tokenstore"
)

// Selector picks the account an invocation should use for a provider:
// the explicit default unless it is paused, benched, or exhausted, else the
// first active account whose latest probe still shows capacity.
type Selector struct {
	Registry  *accounts.Registry
	Cooldowns *CooldownStore
	Store     *tokenstore.Store
	Fetcher   *Fetcher
	Refresher *tokenstore.Refresher
	// Threshold is the minimum remaining fraction an account must clear.
	Threshold float64
	// DefaultCooldown benches an exhausted account when the provider gave
	// no reset time.
	DefaultCooldown time.Duration
}

// Pick selects the account to use for provider. When every account is
// exhausted a QuotaExhausted error is returned so the dispatcher can print
// guidance rather than spawning a doomed session.
func (s *Selector) Pick(ctx context.Context, provider providerset.Provider) (*accounts.Account, error) {
	list, err := s.Registry.List(provider)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("no accounts registered for %s", provider)).WithProvider(string(provider))
	}

	var def *accounts.Account
	ordered := make([]*accounts.Account, 0, len(list))
	for _, a := range list {
		if a.IsDefault {
			def = a
		} else {
			ordered = append(ordered, a)
		}
	}
	if def != nil {
		ordered = append([]*accounts.Account{def}, ordered...)
	}

	sawActive := false
	for _, account := range ordered {
		if account.Paused {
			continue
		}
		sawActive = true
		if benched, reason := s.Cooldowns.IsOnCooldown(provider, account.ID); benched {
			log.Debugf("selection: %s/%s on cooldown: %s", provider, account.ID, reason)
			continue
		}
		if s.usable(ctx, provider, account) {
			return account, nil
		}
	}

	if !sawActive {
		return nil, ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("every %s account is paused", provider)).WithProvider(string(provider))
	}
	return nil, ccerr.New(ccerr.QuotaExhausted,
		fmt.Sprintf("every %s account is exhausted or cooling down", provider)).WithProvider(string(provider))
}

// usable probes the account's quota, benching it on exhaustion. Probe
// failures count as usable: a broken quota endpoint must not strand a
// credential that may still serve requests.
func (s *Selector) usable(ctx context.Context, provider providerset.Provider, account *accounts.Account) bool {
	token, err := s.Store.Load(provider, account.TokenFile)
	if err != nil {
		log.Debugf("selection: cannot read token for %s/%s: %v", provider, account.ID, err)
		return true
	}

	result, err := s.Fetcher.Fetch(ctx, provider, token, s.Refresher)
	if err != nil || result == nil {
		return true
	}
	if !result.Success {
		// Typed failures other than rate limiting do not bench the
		// account here; the dispatcher surfaces them when the session
		// actually fails.
		if result.RateLimited {
			s.bench(provider, account.ID, result, "rate limited")
			return false
		}
		return true
	}
	if result.Exhausted(s.Threshold) {
		s.bench(provider, account.ID, result, "quota exhausted")
		return false
	}
	return true
}

func (s *Selector) bench(provider providerset.Provider, accountID string, result *Result, reason string) {
	until := time.Now().Add(s.DefaultCooldown)
	if result.ResetTime != nil && result.ResetTime.After(time.Now()) {
		until = *result.ResetTime
	}
	if err := s.Cooldowns.Set(provider, accountID, until, reason); err != nil {
		log.Debugf("selection: persisting cooldown for %s/%s: %v", provider, accountID, err)
	}
}

// ReportExhausted benches the account from a live-request failure rather
// than a probe, using the policy cooldown window.
func (s *Selector) ReportExhausted(provider providerset.Provider, accountID, reason string) {
	if err := s.Cooldowns.Set(provider, accountID, time.Now().Add(s.DefaultCooldown), reason); err != nil {
		log.Debugf("selection: persisting cooldown for %s/%s: %v", provider, accountID, err)
	}
}
