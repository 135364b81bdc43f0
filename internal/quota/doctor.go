package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/providerset"
	"github.com/unkcaicai/ccswitch/internal/tokenstore"
)

// SharedProjectWarning flags a set of accounts that share one cloud project
// and therefore one quota pool: failing over between them buys nothing.
type SharedProjectWarning struct {
	Provider  providerset.Provider
	ProjectID string
	Accounts  []string
}

func (w SharedProjectWarning) String() string {
	return fmt.Sprintf("%s accounts %v share project %s; failover cannot help when the pool is shared",
		w.Provider, w.Accounts, w.ProjectID)
}

// SharedProjectWarnings groups provider's accounts by project and reports
// every group of two or more, largest group first.
func SharedProjectWarnings(registry *accounts.Registry, provider providerset.Provider) ([]SharedProjectWarning, error) {
	list, err := registry.List(provider)
	if err != nil {
		return nil, err
	}

	byProject := make(map[string][]string)
	for _, account := range list {
		if account.ProjectID == "" {
			continue
		}
		byProject[account.ProjectID] = append(byProject[account.ProjectID], account.DisplayName())
	}

	var warnings []SharedProjectWarning
	for projectID, members := range byProject {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		warnings = append(warnings, SharedProjectWarning{
			Provider:  provider,
			ProjectID: projectID,
			Accounts:  members,
		})
	}
	sort.Slice(warnings, func(i, j int) bool {
		if len(warnings[i].Accounts) != len(warnings[j].Accounts) {
			return len(warnings[i].Accounts) > len(warnings[j].Accounts)
		}
		return warnings[i].ProjectID < warnings[j].ProjectID
	})
	return warnings, nil
}

// AccountProbe pairs an account with its latest quota snapshot.
type AccountProbe struct {
	Account *accounts.Account
	Result  *Result
}

// ProbeAll fetches quota for every active account of provider concurrently,
// returning probes in the registry's listing order. Individual probe errors
// land in that probe's Result rather than failing the sweep.
func ProbeAll(ctx context.Context, provider providerset.Provider, registry *accounts.Registry, store *tokenstore.Store, fetcher *Fetcher, refresher *tokenstore.Refresher) ([]AccountProbe, error) {
	list, err := registry.List(provider)
	if err != nil {
		return nil, err
	}

	probes := make([]AccountProbe, len(list))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for i, account := range list {
		i, account := i, account
		probes[i] = AccountProbe{Account: account}
		if account.Paused {
			continue
		}
		group.Go(func() error {
			token, errLoad := store.Load(provider, account.TokenFile)
			if errLoad != nil {
				mu.Lock()
				probes[i].Result = &Result{ErrorMessage: errLoad.Error()}
				mu.Unlock()
				return nil
			}
			result, errFetch := fetcher.Fetch(groupCtx, provider, token, refresher)
			if errFetch != nil {
				result = &Result{ErrorMessage: errFetch.Error()}
			}
			mu.Lock()
			probes[i].Result = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return probes, nil
}
