// Package oauthflow drives the three credential acquisition flows against
// the sidecar binary: authorization-code with a local callback,
// device-code polling, and the paste-callback fallback for headless hosts.
// Each running flow is a session advancing through an explicit state
// machine on stdout milestones, timeouts, child exit, and external cancel.
package oauthflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/procutil"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// State is one node of the per-session flow state machine.
type State string

const (
	StatePrepare           State = "prepare"
	StateSpawned           State = "spawned"
	StateAwaitingURL       State = "awaiting_url"
	StateAwaitingCallback  State = "awaiting_callback"
	StateAwaitingDevice    State = "awaiting_device_code"
	StateAwaitingPaste     State = "awaiting_paste"
	StateProjectSelection  State = "project_selection"
	StateCompleting        State = "completing"
	StateDone              State = "done"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Options tunes one flow invocation.
type Options struct {
	// Headless suppresses browser opening and stretches the timeout.
	Headless bool
	// Add skips the existing-account interlock.
	Add bool
	// Nickname pre-answers the nickname prompt for no-email providers.
	Nickname string
	// ProjectID pre-answers project selection.
	ProjectID string
	// NoIncognito passes --no-incognito to the sidecar (Kiro only).
	NoIncognito bool
	// FromUI publishes project-selection prompts to the event bus instead
	// of auto-selecting the default.
	FromUI bool
}

func (o Options) timeout() time.Duration {
	if o.Headless {
		return 5 * time.Minute
	}
	return 2 * time.Minute
}

// Prompter abstracts the interactive questions a flow may need answered.
type Prompter interface {
	// ConfirmAddAccount asks whether to add another account when some
	// already exist. false aborts the flow without error.
	ConfirmAddAccount(provider providerset.Provider, existing int) (bool, error)
	// AskNickname prompts for a nickname until validate accepts it.
	AskNickname(provider providerset.Provider, validate func(string) error) (string, error)
	// ConfirmInstall asks before installing a gated sidecar version.
	ConfirmInstall(version, reason string) bool
}

// Driver runs OAuth flows. One Driver serves all providers; sessions are
// tracked per provider so Cancel can find the child to kill.
type Driver struct {
	Registry   *accounts.Registry
	AuthDir    string
	BinaryPath string
	Prompter   Prompter
	Events     *Bus
	// Uploader, when set, receives the registered token file for
	// best-effort remote publication. Never blocks the flow.
	Uploader func(provider providerset.Provider, tokenPath string)

	mu       sync.Mutex
	sessions map[providerset.Provider]*session
}

type session struct {
	id    string
	state State
	child *procutil.Child
}

func (d *Driver) track(provider providerset.Provider, s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions == nil {
		d.sessions = make(map[providerset.Provider]*session)
	}
	d.sessions[provider] = s
}

func (d *Driver) untrack(provider providerset.Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, provider)
}

// Cancel terminates provider's in-flight flow, if any. The flow resolves to
// a nil account without error.
func (d *Driver) Cancel(provider providerset.Provider) {
	d.mu.Lock()
	s := d.sessions[provider]
	d.mu.Unlock()
	if s == nil || s.child == nil {
		return
	}
	s.state = StateCancelled
	_ = s.child.Signal(syscall.SIGTERM)
}

// milestones are the stdout markers the sidecar's auth mode prints.
const (
	milestoneAuthURL   = "AUTH_URL:"
	milestoneCallback  = "CALLBACK_READY"
	milestoneComplete  = "AUTH_COMPLETE"
	milestoneFailed    = "AUTH_FAILED:"
	milestoneUserCode  = "USER_CODE:"
	milestoneVerifyURL = "VERIFY_URL:"
	projectPromptText  = "Select a project"
)

// Login drives the provider's native flow: authorization-code for providers
// with a callback port, device-code otherwise. Returns the registered
// account, or nil when the user cancelled.
func (d *Driver) Login(ctx context.Context, provider providerset.Provider, opts Options) (*accounts.Account, error) {
	if err := d.interlock(provider, opts); err != nil {
		return nil, err
	}
	if err := d.nicknameGate(provider, &opts); err != nil {
		return nil, err
	}

	if _, hasPort := providerset.CallbackPort(provider); hasPort {
		return d.authCodeFlow(ctx, provider, opts)
	}
	return d.deviceCodeFlow(ctx, provider, opts)
}

// interlock prompts once when accounts already exist and the caller did not
// ask to add another. A declined prompt aborts without error.
func (d *Driver) interlock(provider providerset.Provider, opts Options) error {
	if opts.Add {
		return nil
	}
	existing, err := d.Registry.List(provider)
	if err != nil || len(existing) == 0 {
		return nil
	}
	ok, err := d.Prompter.ConfirmAddAccount(provider, len(existing))
	if err != nil {
		return err
	}
	if !ok {
		return ccerr.New(ccerr.UserCancelled, "login cancelled")
	}
	return nil
}

// nicknameGate enforces the mandatory nickname for nickname-identity
// providers, prompting when the caller supplied none.
func (d *Driver) nicknameGate(provider providerset.Provider, opts *Options) error {
	if provider.HasEmail() {
		return nil
	}
	validate := func(candidate string) error {
		if err := accounts.ValidateNickname(candidate); err != nil {
			return err
		}
		if _, err := d.Registry.Find(provider, candidate); err == nil {
			return ccerr.New(ccerr.FilesystemIO, fmt.Sprintf("nickname %q already in use", candidate))
		}
		return nil
	}
	if opts.Nickname != "" {
		return validate(opts.Nickname)
	}
	nickname, err := d.Prompter.AskNickname(provider, validate)
	if err != nil {
		return err
	}
	opts.Nickname = nickname
	return nil
}

// authCodeFlow spawns the sidecar in auth mode and walks its stdout through
// the callback flow's milestones.
func (d *Driver) authCodeFlow(ctx context.Context, provider providerset.Provider, opts Options) (*accounts.Account, error) {
	port, _ := providerset.CallbackPort(provider)

	if err := Preflight(provider, port); err != nil {
		return nil, err
	}
	killListener(port)

	args := []string{fmt.Sprintf("--%s-login", provider), "--auth-dir", d.AuthDir}
	if opts.Headless {
		args = append(args, "--no-browser")
	}
	if provider == providerset.Kiro && opts.NoIncognito {
		args = append(args, "--no-incognito")
	}

	s := &session{id: uuid.NewString(), state: StatePrepare}
	d.track(provider, s)
	defer d.untrack(provider)

	child, err := procutil.Start(exec.Command(d.BinaryPath, args...))
	if err != nil {
		s.state = StateFailed
		return nil, ccerr.Wrap(ccerr.ProxyStartFailed, "spawn sidecar auth mode", err).WithProvider(string(provider))
	}
	s.child = child
	s.state = StateSpawned
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

	account, err := d.pumpAuthCode(ctx, provider, s, opts)
	if err != nil {
		_ = child.Signal(syscall.SIGTERM)
	}
	return account, err
}

// pumpAuthCode consumes the child's stdout milestones until completion,
// failure, timeout, or cancel.
func (d *Driver) pumpAuthCode(ctx context.Context, provider providerset.Provider, s *session, opts Options) (*accounts.Account, error) {
	deadline := time.After(opts.timeout())
	banner := time.After(2 * time.Second)
	sawMilestone := false
	s.state = StateAwaitingURL
	lines := s.child.Lines()

	for {
		select {
		case <-ctx.Done():
			s.state = StateCancelled
			return nil, ccerr.Wrap(ccerr.UserCancelled, "login aborted", ctx.Err())

		case <-banner:
			if !sawMilestone {
				fmt.Fprintln(os.Stderr, "Waiting for the authentication flow to start...")
			}

		case <-deadline:
			s.state = StateFailed
			printTroubleshooting(provider, opts.Headless)
			return nil, ccerr.New(ccerr.AuthTimeout,
				fmt.Sprintf("%s login timed out after %s", provider, opts.timeout())).WithProvider(string(provider))

		case <-s.child.Done():
			if s.state == StateCancelled {
				return nil, nil
			}
			if s.state == StateCompleting || s.state == StateAwaitingCallback {
				return d.complete(provider, opts)
			}
			s.state = StateFailed
			return nil, ccerr.New(ccerr.AuthRequired,
				fmt.Sprintf("%s auth child exited before completing", provider)).WithProvider(string(provider))

		case line, ok := <-lines:
			if !ok {
				// stdout hit EOF; a nil channel blocks so the loop
				// settles on Done/timeout instead of spinning.
				lines = nil
				continue
			}
			sawMilestone = true
			switch {
			case strings.HasPrefix(line, milestoneAuthURL):
				url := strings.TrimSpace(strings.TrimPrefix(line, milestoneAuthURL))
				showAuthURL(url, opts.Headless)
				s.state = StateAwaitingCallback

			case strings.Contains(line, milestoneCallback):
				s.state = StateAwaitingCallback

			case strings.Contains(line, projectPromptText):
				s.state = StateProjectSelection
				d.handleProjectSelection(provider, s, opts)

			case strings.Contains(line, milestoneComplete):
				s.state = StateCompleting
				return d.complete(provider, opts)

			case strings.HasPrefix(line, milestoneFailed):
				s.state = StateFailed
				reason := strings.TrimSpace(strings.TrimPrefix(line, milestoneFailed))
				return nil, ccerr.New(ccerr.AuthRequired,
					fmt.Sprintf("%s login failed: %s", provider, reason)).WithProvider(string(provider))

			default:
				log.Debugf("auth[%s]: %s", provider, line)
			}
		}
	}
}

// handleProjectSelection either forwards the prompt to the event bus (web
// UI flows) or auto-selects the default project by answering the child.
func (d *Driver) handleProjectSelection(provider providerset.Provider, s *session, opts Options) {
	if opts.FromUI && d.Events != nil {
		d.Events.Publish(Event{Session: s.id, Provider: provider, Kind: EventProjectSelection})
		return
	}
	if stdin := s.child.Cmd.Stdin; stdin == nil {
		// The sidecar auto-selects its default when stdin is closed;
		// nothing to write.
		log.Debugf("auth[%s]: auto-selecting default project", provider)
	}
}

func showAuthURL(url string, headless bool) {
	if headless {
		fmt.Fprintf(os.Stderr, "\n==========================================================\n")
		fmt.Fprintf(os.Stderr, "Open this URL in a browser on another machine:\n\n  %s\n", url)
		fmt.Fprintf(os.Stderr, "==========================================================\n\n")
		return
	}
	fmt.Fprintf(os.Stderr, "Opening browser for authentication: %s\n", url)
}

func printTroubleshooting(provider providerset.Provider, headless bool) {
	fmt.Fprintf(os.Stderr, "\nThe %s login did not complete.\n", provider)
	if port, ok := providerset.CallbackPort(provider); ok {
		fmt.Fprintf(os.Stderr, "  - Make sure nothing else is bound to 127.0.0.1:%d\n", port)
		if headless {
			fmt.Fprintf(os.Stderr, "  - On a remote host, forward the callback port first:\n")
			fmt.Fprintf(os.Stderr, "      ssh -L %d:127.0.0.1:%d <host>\n", port, port)
			fmt.Fprintf(os.Stderr, "  - Or retry with --paste-callback to paste the redirect URL manually\n")
		}
	}
	fmt.Fprintf(os.Stderr, "  - A corporate firewall blocking loopback listeners also causes this\n\n")
}
