// Package dispatcher orchestrates one invocation: classify the profile,
// line up credentials and helper processes for its strategy, hand stdio to
// the downstream CLI, and propagate how it died.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/classifier"
	"github.com/unkcaicai/ccswitch/internal/config"
	"github.com/unkcaicai/ccswitch/internal/managementclient"
	"github.com/unkcaicai/ccswitch/internal/oauthflow"
	"github.com/unkcaicai/ccswitch/internal/providerset"
	"github.com/unkcaicai/ccswitch/internal/quota"
	"github.com/unkcaicai/ccswitch/internal/supervisor"
	"github.com/unkcaicai/ccswitch/internal/thinkproxy"
	"github.com/unkcaicai/ccswitch/internal/tokenstore"
)

// glmtProfile is the settings profile that routes through the embedded
// thinking proxy instead of talking to the provider directly.
const glmtProfile = "glmt"

// Dispatcher wires every component for one invocation.
type Dispatcher struct {
	Config     *config.Config
	Registry   *accounts.Registry
	Store      *tokenstore.Store
	Refresher  *tokenstore.Refresher
	Selector   *quota.Selector
	Supervisor *supervisor.Supervisor
	Driver     *oauthflow.Driver
	Cleanups   *CleanupSet

	// CopilotHandler hands copilot invocations to the subscription-proxy
	// collaborator. Nil prints guidance and fails.
	CopilotHandler func(args []string) (int, error)
}

// Run executes one classified invocation and returns the process exit code.
func (d *Dispatcher) Run(ctx context.Context, args []string) (int, error) {
	result, err := classifier.Classify(args, d.Config)
	if err != nil {
		return ccerr.ExitCode(err), err
	}

	switch result.Kind {
	case classifier.KindDefault:
		return d.runDefault(result)
	case classifier.KindSettings:
		return d.runSettings(ctx, result)
	case classifier.KindCliproxy:
		return d.runCliproxy(ctx, result)
	case classifier.KindAccount:
		return d.runAccount(result)
	case classifier.KindCopilot:
		if d.CopilotHandler != nil {
			return d.CopilotHandler(result.Rest)
		}
		return 1, ccerr.New(ccerr.ProfileNotFound, "copilot support is not configured")
	default:
		return 1, ccerr.New(ccerr.Unknown, fmt.Sprintf("unhandled strategy %q", result.Kind))
	}
}

// runDefault spawns the CLI natively, with only the web-search hook
// suppressed since the native path provides its own.
func (d *Dispatcher) runDefault(result *classifier.Result) (int, error) {
	env := envSet(map[string]string{
		envProfileType:   "default",
		envWebsearchSkip: "1",
	})
	return spawnDownstream(d.Config.DownstreamCLI, result.Rest, env)
}

func (d *Dispatcher) runSettings(ctx context.Context, result *classifier.Result) (int, error) {
	profile, err := LoadSettingsProfile(result.SettingsPath)
	if err != nil {
		return ccerr.ExitCode(err), err
	}

	if result.Profile == glmtProfile {
		return d.runThinkProxy(result, profile)
	}

	if err = preflightAPIKey(ctx, profile); err != nil {
		return ccerr.ExitCode(err), err
	}
	if err = ensureWebSearchHook(d.Config.ConfigRoot); err != nil {
		log.Warnf("web-search hook install failed: %v", err)
	}

	env := envSet(settingsEnv(profile), map[string]string{
		envProfileType: "settings",
	})
	cliArgs := append([]string{"--settings", result.SettingsPath}, result.Rest...)
	return spawnDownstream(d.Config.DownstreamCLI, cliArgs, env)
}

// runThinkProxy fronts the provider with the embedded rewrite proxy, then
// points the CLI at it with the fixed model.
func (d *Dispatcher) runThinkProxy(result *classifier.Result, profile *SettingsProfile) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 1, ccerr.Wrap(ccerr.ProxyStartFailed, "resolve own executable", err)
	}
	runner := &thinkproxy.Runner{Command: self, Args: []string{thinkproxy.ServeArg}}

	port, err := runner.Start(profile.APIKey, profile.BaseURL)
	if err != nil {
		return 1, err
	}
	d.Cleanups.Register(runner.Stop)

	env := envSet(map[string]string{
		envBaseURL:     fmt.Sprintf("http://127.0.0.1:%d", port),
		envAuthToken:   profile.APIKey,
		envModel:       thinkproxy.Model,
		envProfileType: "settings",
	})
	code, err := spawnDownstream(d.Config.DownstreamCLI, result.Rest, env)
	runner.Stop()
	return code, err
}

func (d *Dispatcher) runCliproxy(ctx context.Context, result *classifier.Result) (int, error) {
	provider := result.Provider

	if remote := d.Config.RemoteSidecar; remote != nil {
		return d.runRemoteCliproxy(ctx, result, remote)
	}

	port, err := d.Supervisor.EnsureRunning(ctx)
	if err != nil {
		return ccerr.ExitCode(err), err
	}
	d.Cleanups.Register(d.Supervisor.ReleaseSession)

	// Keep locally-owned tokens fresh for the whole session, not just at
	// spawn time; long sessions outlive an access token's lifetime.
	worker := &tokenstore.Worker{
		Registry:  d.Registry,
		Store:     d.Store,
		Refresher: d.Refresher,
		Interval:  d.Config.Policy.RefreshWorkerInterval,
		Horizon:   d.Config.Policy.RefreshPreemptiveWindow,
	}
	worker.Start(ctx)
	d.Cleanups.Register(worker.Stop)

	if err = d.ensureAuth(ctx, provider); err != nil {
		return ccerr.ExitCode(err), err
	}

	account, err := d.Selector.Pick(ctx, provider)
	if err != nil {
		if ccerr.Of(err) == ccerr.QuotaExhausted {
			fmt.Fprintf(os.Stderr, "All %s accounts are out of quota. Add another account or wait for the reset.\n", provider)
		}
		d.Supervisor.ReleaseSession()
		return ccerr.ExitCode(err), err
	}

	if err = d.ensureTokenValid(ctx, provider, account); err != nil {
		d.Supervisor.ReleaseSession()
		return ccerr.ExitCode(err), err
	}

	if err = d.Registry.Touch(provider, account.ID); err != nil {
		log.Debugf("touch %s/%s: %v", provider, account.ID, err)
	}

	layer := map[string]string{
		envBaseURL:     supervisor.BaseURL(port),
		envProfileType: "cliproxy",
	}
	if result.Model != "" {
		layer[envModel] = result.Model
	}
	code, err := spawnDownstream(d.Config.DownstreamCLI, result.Rest, envSet(layer))
	d.Supervisor.ReleaseSession()
	return code, err
}

// runRemoteCliproxy points the CLI at a remote sidecar instead of a local
// one. Local account mutation is unavailable in this mode.
func (d *Dispatcher) runRemoteCliproxy(ctx context.Context, result *classifier.Result, remote *config.RemoteSidecarConfig) (int, error) {
	client := managementclient.New(managementclient.Options{
		Protocol:         remote.Protocol,
		Host:             remote.Host,
		Port:             remote.Port,
		ManagementKey:    remote.Token,
		AllowInsecureTLS: remote.AllowInsecureTLS,
	})
	if _, err := client.Health(ctx); err != nil {
		return ccerr.ExitCode(err), err
	}

	layer := map[string]string{
		envBaseURL:     client.BaseURL(),
		envProfileType: "cliproxy",
	}
	if result.Model != "" {
		layer[envModel] = result.Model
	}
	return spawnDownstream(d.Config.DownstreamCLI, result.Rest, envSet(layer))
}

// ensureAuth triggers an interactive login when the provider has no
// accounts yet.
func (d *Dispatcher) ensureAuth(ctx context.Context, provider providerset.Provider) error {
	// Tokens placed on disk out of band (another tool's login, a restored
	// backup) are adopted before concluding nothing is there.
	if _, err := d.Registry.Discover(provider); err != nil {
		log.Debugf("discover %s: %v", provider, err)
	}
	list, err := d.Registry.List(provider)
	if err != nil {
		return err
	}
	if len(list) > 0 {
		return nil
	}
	log.Infof("no %s account found; starting login", provider)
	account, err := d.Driver.Login(ctx, provider, oauthflow.Options{Add: true})
	if err != nil {
		return err
	}
	if account == nil {
		return ccerr.New(ccerr.UserCancelled, "login cancelled")
	}
	return nil
}

// ensureTokenValid refreshes a locally-owned token that is about to expire.
// Delegated providers pass through untouched.
func (d *Dispatcher) ensureTokenValid(ctx context.Context, provider providerset.Provider, account *accounts.Account) error {
	if provider.Delegated() {
		return nil
	}
	token, err := d.Store.Load(provider, account.TokenFile)
	if err != nil {
		return err
	}
	if !token.ExpiringSoon(d.Config.Policy.ExpiringSoonWindow) {
		return nil
	}
	result := d.Refresher.RefreshWithBackoff(ctx, token, 3)
	return result.Err
}

func (d *Dispatcher) runAccount(result *classifier.Result) (int, error) {
	instanceDir := filepath.Join(d.Config.InstancesDir(), result.Profile)
	if err := os.MkdirAll(instanceDir, 0o700); err != nil {
		return 1, ccerr.Wrap(ccerr.FilesystemIO, "create instance dir", err)
	}
	touchProfile(instanceDir)

	env := envSet(map[string]string{
		envConfigDir:     instanceDir,
		envProfileType:   "account",
		envWebsearchSkip: "1",
	})
	return spawnDownstream(d.Config.DownstreamCLI, result.Rest, env)
}

// touchProfile records when the profile's instance was last used, for
// listings and cleanup tooling. Best effort: an unwritable marker must not
// block the session.
func touchProfile(instanceDir string) {
	marker := filepath.Join(instanceDir, ".last-used")
	if err := os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o600); err != nil {
		log.Debugf("touch %s: %v", marker, err)
	}
}
