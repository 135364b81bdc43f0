// Package main is the entry point of the ccsw dispatcher: a single command
// that resolves a profile to an execution strategy, lines up credentials
// and helper processes, and hands stdio to the downstream CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/config"
	"github.com/unkcaicai/ccswitch/internal/dispatcher"
	"github.com/unkcaicai/ccswitch/internal/logging"
	"github.com/unkcaicai/ccswitch/internal/oauthflow"
	"github.com/unkcaicai/ccswitch/internal/providerset"
	"github.com/unkcaicai/ccswitch/internal/quota"
	"github.com/unkcaicai/ccswitch/internal/supervisor"
	"github.com/unkcaicai/ccswitch/internal/thinkproxy"
	"github.com/unkcaicai/ccswitch/internal/tokenstore"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logging.SetupBaseLogger()

	args := os.Args[1:]

	// The thinking proxy re-executes this binary; divert before anything
	// else so the proxy process never loads config or touches the registry.
	if len(args) > 0 && args[0] == thinkproxy.ServeArg {
		if err := thinkproxy.Serve(); err != nil {
			log.Error(err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.SetVerboseEnabled(cfg.Debug)
	if err = logging.ConfigureLogOutput(cfg.LogDir(), false); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	app := buildDispatcher(cfg)
	app.Cleanups.InstallSignalHandlers()

	if len(args) > 0 {
		if code, handled := runMeta(args, cfg, app); handled {
			app.Cleanups.Run()
			os.Exit(code)
		}
	}

	code, err := app.Run(context.Background(), args)
	app.Cleanups.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func loadConfig() (*config.Config, error) {
	root := os.Getenv("CCSW_CONFIG_DIR")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".ccswitch")
	}
	configFile := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return config.LoadConfig(configFile)
	}
	return config.Default()
}

func buildDispatcher(cfg *config.Config) *dispatcher.Dispatcher {
	registry := accounts.NewRegistry(cfg.AccountsFile(), cfg.AuthDir(), cfg.AuthPausedDir())
	store := tokenstore.NewStore(cfg.AuthDir())
	refresher := &tokenstore.Refresher{}
	cooldowns := quota.NewCooldownStore(cfg.StateDBFile())
	fetcher := &quota.Fetcher{}

	prompter := oauthflow.TerminalPrompter{}
	installer := &supervisor.Installer{
		BinDir:      cfg.SidecarBinDir(),
		VersionFile: cfg.SidecarVersionFile(),
		PinFile:     cfg.SidecarVersionPinFile(),
		Confirm: func(version supervisor.Version, reason string) bool {
			return prompter.ConfirmInstall(version.String(), reason)
		},
	}
	if cfg.Sidecar.PinnedVersion != "" {
		// A config-level pin behaves like the pin file: write-through so
		// both agree on what is authoritative.
		if _, hasPin, _ := supervisor.PinnedVersion(installer.PinFile); !hasPin {
			_ = os.MkdirAll(filepath.Dir(installer.PinFile), 0o700)
			_ = os.WriteFile(installer.PinFile, []byte(cfg.Sidecar.PinnedVersion), 0o600)
		}
	}

	sup := &supervisor.Supervisor{
		Installer:     installer,
		ConfigFile:    cfg.SidecarConfigFile(),
		DBPath:        cfg.StateDBFile(),
		AuthDir:       cfg.AuthDir(),
		ManagementKey: cfg.Sidecar.ManagementKey,
	}

	driver := &oauthflow.Driver{
		Registry:   registry,
		AuthDir:    cfg.AuthDir(),
		BinaryPath: installer.BinaryPath(),
		Prompter:   prompter,
		Events:     oauthflow.NewBus(),
	}

	selector := &quota.Selector{
		Registry:        registry,
		Cooldowns:       cooldowns,
		Store:           store,
		Fetcher:         fetcher,
		Refresher:       refresher,
		Threshold:       cfg.Policy.QuotaThreshold,
		DefaultCooldown: cfg.Policy.DefaultCooldown,
	}

	return &dispatcher.Dispatcher{
		Config:     cfg,
		Registry:   registry,
		Store:      store,
		Refresher:  refresher,
		Selector:   selector,
		Supervisor: sup,
		Driver:     driver,
		Cleanups:   &dispatcher.CleanupSet{},
	}
}

// runMeta intercepts management subcommands before profile classification.
// Returns handled=false when the first argument is not a meta subcommand
// and normal dispatch should proceed.
func runMeta(args []string, cfg *config.Config, app *dispatcher.Dispatcher) (int, bool) {
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("ccsw %s (%s, built %s)\n", Version, Commit, BuildDate)
		return 0, true

	case "doctor":
		return runDoctor(cfg, app), true

	case "sync":
		return runSync(cfg, app), true

	case "cleanup":
		if err := app.Supervisor.Stop(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, true
		}
		fmt.Println("sidecar stopped")
		return 0, true

	case "auth":
		return runAuth(args[1:], app), true

	case "help", "--help", "-h", "--install", "--uninstall", "--shell-completion", "-sc",
		"migrate", "update", "api", "cliproxy", "config", "setup":
		// Owned by collaborator commands outside this core.
		fmt.Fprintf(os.Stderr, "the %q command is provided by the full ccsw distribution\n", args[0])
		return 1, true
	}
	return 0, false
}

func runDoctor(cfg *config.Config, app *dispatcher.Dispatcher) int {
	exit := 0
	for _, provider := range providerset.All {
		warnings, err := quota.SharedProjectWarnings(app.Registry, provider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %s: %v\n", provider, err)
			exit = 1
			continue
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
	}
	cooldowns := quota.NewCooldownStore(cfg.StateDBFile())
	if active, err := cooldowns.Active(); err == nil {
		for _, c := range active {
			fmt.Printf("cooldown: %s until %s (%s)\n", c.Key, c.Until.Format("15:04:05"), c.Reason)
		}
	}

	if lock, exists, alive := app.Supervisor.Status(); exists {
		state := "stale"
		if alive {
			state = "running"
		}
		fmt.Printf("sidecar: %s (pid %d, port %d, %d session(s))\n", state, lock.PID, lock.Port, lock.SessionCount)
	} else {
		fmt.Println("sidecar: not running")
	}
	return exit
}

func runSync(cfg *config.Config, app *dispatcher.Dispatcher) int {
	syncer := &quota.Syncer{Registry: app.Registry, AuthDir: cfg.AuthDir()}
	exit := 0
	for _, provider := range providerset.All {
		if err := syncer.Sync(provider); err != nil {
			fmt.Fprintf(os.Stderr, "sync: %s: %v\n", provider, err)
			exit = 1
		}
	}
	// A running sidecar must observe the post-sync auth directory through a
	// consistent config; restart it if regeneration changed anything.
	if err := app.Supervisor.RegenerateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "sync: regenerate sidecar config: %v\n", err)
		exit = 1
	}
	return exit
}

func runAuth(args []string, app *dispatcher.Dispatcher) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ccsw auth <provider> [--add] [--nickname <name>] [--headless]")
		return 1
	}
	provider, ok := providerset.Valid(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown provider %q\n", args[0])
		return 1
	}

	opts := oauthflow.Options{}
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--add":
			opts.Add = true
		case "--headless":
			opts.Headless = true
		case "--no-incognito":
			opts.NoIncognito = true
		case "--nickname":
			if i+1 < len(args) {
				i++
				opts.Nickname = args[i]
			}
		}
	}

	account, err := app.Driver.Login(context.Background(), provider, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ccerr.ExitCode(err)
	}
	if account == nil {
		return 130
	}
	fmt.Printf("registered %s account %s\n", provider, account.DisplayName())
	return 0
}
