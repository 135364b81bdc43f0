// Package thinkproxy launches the short-lived rewrite proxy the glmt
// profile needs: the downstream CLI cannot rewrite thinking blocks
// mid-flight itself, so a local child process fronts the provider and the
// CLI is pointed at it for the session's lifetime.
package thinkproxy

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/procutil"
)

const (
	readyPrefix     = "PROXY_READY:"
	readinessWindow = 5 * time.Second
)

// Model is the model name forced for every glmt session.
const Model = "glm-4.6"

// Runner supervises one thinking-proxy child.
type Runner struct {
	// Command launches the proxy implementation.
	Command string
	Args    []string

	child *procutil.Child
}

// Start spawns the proxy with the provider credentials in its environment
// and waits for the readiness banner, returning the loopback port it
// serves on.
func (r *Runner) Start(authToken, baseURL string) (int, error) {
	cmd := exec.Command(r.Command, r.Args...)
	cmd.Env = append(os.Environ(),
		"ANTHROPIC_AUTH_TOKEN="+authToken,
		"ANTHROPIC_BASE_URL="+baseURL,
	)

	child, err := procutil.Start(cmd)
	if err != nil {
		return 0, ccerr.Wrap(ccerr.ProxyStartFailed, "spawn thinking proxy", err)
	}
	r.child = child
	go func() { _ = child.Wait() }()

	portText, err := procutil.AwaitPrefixedLine(child.Lines(), readyPrefix, readinessWindow, func(line string) {
		log.Debugf("thinkproxy: %s", line)
	})
	if err != nil {
		_ = child.Kill()
		return 0, ccerr.Wrap(ccerr.ProxyStartFailed, "thinking proxy readiness handshake", err)
	}

	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 {
		_ = child.Kill()
		return 0, ccerr.New(ccerr.ProxyStartFailed, "thinking proxy announced an invalid port")
	}
	return port, nil
}

// Stop terminates the proxy. Safe to call when Start failed or the child
// already exited.
func (r *Runner) Stop() {
	if r.child == nil {
		return
	}
	if err := r.child.Signal(syscall.SIGTERM); err != nil {
		log.Debugf("thinkproxy stop: %v", err)
	}
}
