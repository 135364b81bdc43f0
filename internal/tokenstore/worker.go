package tokenstore

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// CycleResult records one account's outcome from the latest worker pass.
type CycleResult struct {
	Provider  providerset.Provider
	AccountID string
	Refreshed bool
	Skipped   string
	Err       error
}

// Worker walks all registered tokens on an interval and preemptively
// refreshes those nearing expiry. Delegated providers are skipped; their
// refresh is the sidecar's job.
type Worker struct {
	Registry  *accounts.Registry
	Store     *Store
	Refresher *Refresher
	// Interval between walks.
	Interval time.Duration
	// Horizon is how far ahead of expiry a token is refreshed preemptively.
	Horizon time.Duration

	mu        sync.Mutex
	last      []CycleResult
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Start launches the worker goroutine and installs signal hooks so the
// worker stops cleanly on SIGINT/SIGTERM. Safe to call once.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(w.done)
		defer signal.Stop(sigCh)

		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				log.Debug("refresh worker stopping on signal")
				return
			case <-ticker.C:
				w.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the worker and waits for the in-flight cycle, if any.
func (w *Worker) Stop() {
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.done != nil {
			<-w.done
		}
	})
}

// LastCycle returns the results of the most recent walk, for diagnostics.
func (w *Worker) LastCycle() []CycleResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]CycleResult, len(w.last))
	copy(out, w.last)
	return out
}

func (w *Worker) runCycle(ctx context.Context) {
	var results []CycleResult
	for _, provider := range providerset.All {
		list, err := w.Registry.List(provider)
		if err != nil {
			log.Debugf("refresh worker: listing %s accounts: %v", provider, err)
			continue
		}
		for _, account := range list {
			results = append(results, w.refreshOne(ctx, provider, account))
		}
	}
	w.mu.Lock()
	w.last = results
	w.mu.Unlock()
}

func (w *Worker) refreshOne(ctx context.Context, provider providerset.Provider, account *accounts.Account) CycleResult {
	res := CycleResult{Provider: provider, AccountID: account.ID}

	if account.Paused {
		res.Skipped = "paused"
		return res
	}
	if provider.Delegated() {
		res.Skipped = "delegated"
		return res
	}

	token, err := w.Store.Load(provider, account.TokenFile)
	if err != nil {
		res.Err = err
		return res
	}
	if !token.ExpiringSoon(w.Horizon) {
		res.Skipped = "fresh"
		return res
	}

	outcome := w.Refresher.RefreshWithBackoff(ctx, token, 3)
	if outcome.Err != nil {
		log.Debugf("refresh worker: %s/%s: %v", provider, account.ID, outcome.Err)
		res.Err = outcome.Err
		return res
	}
	res.Refreshed = true
	return res
}
