package oauthflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/procutil"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// deviceCodeFlow runs a provider's device-code login: no local port, the
// sidecar polls the provider while the user enters a short code at a
// verification URL on any device.
func (d *Driver) deviceCodeFlow(ctx context.Context, provider providerset.Provider, opts Options) (*accounts.Account, error) {
	args := []string{fmt.Sprintf("--%s-login", provider), "--auth-dir", d.AuthDir, "--no-browser"}

	s := &session{id: uuid.NewString(), state: StatePrepare}
	d.track(provider, s)
	defer d.untrack(provider)

	child, err := procutil.Start(exec.Command(d.BinaryPath, args...))
	if err != nil {
		s.state = StateFailed
		return nil, ccerr.Wrap(ccerr.ProxyStartFailed, "spawn sidecar auth mode", err).WithProvider(string(provider))
	}
	s.child = child
	s.state = StateAwaitingDevice
	go func() { _ = child.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	// LIFO: Stop detaches the channel from the signal package before close,
	// so a late signal can never hit a closed channel.
	defer close(sigCh)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			d.Cancel(provider)
		}
	}()

	deadline := time.After(opts.timeout())
	lines := child.Lines()
	var userCode, verifyURL string

	for {
		select {
		case <-ctx.Done():
			s.state = StateCancelled
			return nil, ccerr.Wrap(ccerr.UserCancelled, "login aborted", ctx.Err())

		case <-deadline:
			s.state = StateFailed
			d.Events.Publish(Event{Session: s.id, Provider: provider, Kind: EventDeviceCodeFailed, Reason: "timeout"})
			_ = child.Signal(syscall.SIGTERM)
			return nil, ccerr.New(ccerr.AuthTimeout,
				fmt.Sprintf("%s device-code login timed out", provider)).WithProvider(string(provider))

		case <-child.Done():
			if s.state == StateCancelled {
				return nil, nil
			}
			if err = child.Wait(); err != nil {
				s.state = StateFailed
				d.Events.Publish(Event{Session: s.id, Provider: provider, Kind: EventDeviceCodeFailed, Reason: err.Error()})
				return nil, ccerr.Wrap(ccerr.AuthRequired,
					fmt.Sprintf("%s device-code flow failed", provider), err).WithProvider(string(provider))
			}
			s.state = StateCompleting
			account, errComplete := d.complete(provider, opts)
			if errComplete != nil {
				d.Events.Publish(Event{Session: s.id, Provider: provider, Kind: EventDeviceCodeFailed, Reason: errComplete.Error()})
				return nil, errComplete
			}
			d.Events.Publish(Event{Session: s.id, Provider: provider, Kind: EventDeviceCodeCompleted})
			return account, nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch {
			case strings.HasPrefix(line, milestoneUserCode):
				userCode = strings.TrimSpace(strings.TrimPrefix(line, milestoneUserCode))
			case strings.HasPrefix(line, milestoneVerifyURL):
				verifyURL = strings.TrimSpace(strings.TrimPrefix(line, milestoneVerifyURL))
			default:
				log.Debugf("auth[%s]: %s", provider, line)
			}
			if userCode != "" && verifyURL != "" {
				fmt.Fprintf(os.Stderr, "\nVisit %s and enter code: %s\n\n", verifyURL, userCode)
				d.Events.Publish(Event{
					Session: s.id, Provider: provider, Kind: EventDeviceCodeReceived,
					UserCode: userCode, VerifyURL: verifyURL,
				})
				userCode, verifyURL = "", ""
			}
		}
	}
}
