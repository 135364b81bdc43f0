package oauthflow

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// Preflight checks an authorization-code flow's prerequisites: the
// provider's callback port must be bindable on loopback, and the host
// firewall must not be obviously in the way. Fatal findings abort the flow
// with remediation text; soft findings are logged.
func Preflight(provider providerset.Provider, port int) error {
	if !portBindable(port) {
		// Occupied is not fatal on its own: the occupant is killed right
		// before spawning. A port we cannot bind even transiently after
		// that points at a policy-level block.
		log.Debugf("preflight: port %d currently occupied, will attempt to free it", port)
	}

	if blocked, hint := firewallLikelyBlocking(port); blocked {
		return ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("the %s callback port %d appears blocked by a host firewall. %s", provider, port, hint)).WithProvider(string(provider))
	}
	return nil
}

func portBindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// firewallLikelyBlocking makes a cheap best-effort guess: bind the port,
// then try connecting to ourselves. A bind that succeeds but a loopback
// connect that fails points at a packet filter on lo.
func firewallLikelyBlocking(port int) (bool, string) {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false, ""
	}
	defer func() { _ = l.Close() }()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	if err == nil {
		_ = conn.Close()
		return false, ""
	}

	hint := "Check your firewall's loopback rules."
	switch runtime.GOOS {
	case "linux":
		hint = "Check iptables/nftables rules on the loopback interface (e.g. `sudo iptables -L INPUT -n | grep " + strconv.Itoa(port) + "`)."
	case "darwin":
		hint = "Check the macOS application firewall and any pf rules."
	case "windows":
		hint = "Check Windows Defender Firewall inbound rules for loopback."
	}
	return true, hint
}

// killListener terminates whatever currently listens on port, best effort.
// The sidecar needs the port for its callback server and a leftover
// process from an earlier run is the usual occupant.
func killListener(port int) {
	if runtime.GOOS == "windows" {
		return
	}
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil || len(out) == 0 {
		return
	}
	for _, pid := range strings.Fields(string(out)) {
		log.Debugf("killing pid %s holding callback port %d", pid, port)
		_ = exec.Command("kill", pid).Run()
	}
}
