package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/procutil"
	"github.com/unkcaicai/ccswitch/internal/statedb"
)

const (
	sessionBucket   = "sessionlock"
	sessionKey      = "sidecar"
	readyPrefix     = "PROXY_READY:"
	readinessWindow = 5 * time.Second
)

// SessionLock records the running sidecar and how many live sessions are
// logically holding it open.
type SessionLock struct {
	PID          int       `json:"pid"`
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"startedAt"`
	SessionCount int       `json:"sessionCount"`
}

// Supervisor owns the sidecar process lifecycle for this user.
type Supervisor struct {
	Installer  *Installer
	ConfigFile string
	DBPath     string
	// AuthDir is embedded into the generated sidecar config; it is the
	// only channel that tells the sidecar where token files live.
	AuthDir string
	// ManagementKey, when set, guards the sidecar's management API.
	ManagementKey string
	// ClaudeAPIKeys carries synthesized key entries into the generated
	// config.
	ClaudeAPIKeys []ClaudeKeyEntry
}

// sidecarConfig assembles the document WriteConfig generates for this run.
func (s *Supervisor) sidecarConfig() *SidecarConfig {
	cfg := &SidecarConfig{
		AuthDir:       s.AuthDir,
		ClaudeAPIKeys: s.ClaudeAPIKeys,
	}
	if s.ManagementKey != "" {
		cfg.RemoteManagement = &RemoteManagement{SecretKey: s.ManagementKey}
	}
	return cfg
}

// readLock loads the session lock, ok=false when none exists.
func (s *Supervisor) readLock() (SessionLock, bool) {
	var lock SessionLock
	found, err := statedb.Get(s.DBPath, sessionBucket, sessionKey, &lock)
	if err != nil || !found {
		return SessionLock{}, false
	}
	return lock, true
}

func (s *Supervisor) writeLock(lock SessionLock) error {
	return statedb.Put(s.DBPath, sessionBucket, sessionKey, lock)
}

func (s *Supervisor) clearLock() error {
	return statedb.Delete(s.DBPath, sessionBucket, sessionKey)
}

// alive reports whether the lock's process still runs and its port still
// accepts connections. A lock failing either check is stale.
func (s *Supervisor) alive(lock SessionLock) bool {
	return pidAlive(lock.PID) && portOpen(lock.Port)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, ccerr.Wrap(ccerr.ProxyStartFailed, "probe for a free port", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// EnsureRunning guarantees a live sidecar and returns its port. The config
// file is regenerated first; a healthy existing process is reused only when
// it would not observe conflicting config, otherwise it is stopped and
// started fresh. A stale lock is recovered the same way. The session count
// is incremented either way, paired with a ReleaseSession on downstream CLI
// exit.
func (s *Supervisor) EnsureRunning(ctx context.Context) (int, error) {
	changed, err := WriteConfig(s.ConfigFile, s.sidecarConfig())
	if err != nil {
		return 0, err
	}

	if lock, ok := s.readLock(); ok {
		if s.alive(lock) && !changed {
			lock.SessionCount++
			if err = s.writeLock(lock); err != nil {
				return 0, err
			}
			return lock.Port, nil
		}
		if s.alive(lock) {
			log.Info("sidecar config changed; restarting sidecar")
			if err = s.Stop(); err != nil {
				return 0, err
			}
		} else {
			log.Debugf("recovering stale sidecar lock (pid %d, port %d)", lock.PID, lock.Port)
			_ = s.clearLock()
		}
	}

	binary, err := s.Installer.Ensure(ctx)
	if err != nil {
		return 0, err
	}

	port, err := freePort()
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(binary, "--config", s.ConfigFile, "--port", strconv.Itoa(port))
	child, err := procutil.Start(cmd)
	if err != nil {
		return 0, ccerr.Wrap(ccerr.ProxyStartFailed, "spawn sidecar", err)
	}
	go func() { _ = child.Wait() }()

	readyPort, err := procutil.AwaitPrefixedLine(child.Lines(), readyPrefix, readinessWindow, func(line string) {
		log.Debugf("sidecar: %s", line)
	})
	if err != nil {
		_ = child.Kill()
		return 0, ccerr.Wrap(ccerr.ProxyStartFailed, "sidecar readiness handshake", err)
	}
	if parsed, errParse := strconv.Atoi(readyPort); errParse == nil && parsed > 0 {
		port = parsed
	}

	lock := SessionLock{
		PID:          cmd.Process.Pid,
		Port:         port,
		StartedAt:    time.Now(),
		SessionCount: 1,
	}
	if err = s.writeLock(lock); err != nil {
		_ = child.Signal(syscall.SIGTERM)
		return 0, err
	}
	return port, nil
}

// ReleaseSession decrements the session count on downstream CLI exit. The
// sidecar keeps running after the last session; only an explicit Stop tears
// it down.
func (s *Supervisor) ReleaseSession() {
	lock, ok := s.readLock()
	if !ok {
		return
	}
	if lock.SessionCount > 0 {
		lock.SessionCount--
	}
	if err := s.writeLock(lock); err != nil {
		log.Debugf("release session: %v", err)
	}
}

// Stop terminates the sidecar and removes the lock. Idempotent: a missing
// or stale lock is simply cleared.
func (s *Supervisor) Stop() error {
	lock, ok := s.readLock()
	if !ok {
		return nil
	}
	if lock.SessionCount > 0 {
		log.Infof("stopping sidecar with %d session(s) still attached", lock.SessionCount)
	}
	if pidAlive(lock.PID) {
		if proc, err := os.FindProcess(lock.PID); err == nil {
			if err = proc.Signal(syscall.SIGTERM); err != nil {
				log.Debugf("stop sidecar pid %d: %v", lock.PID, err)
			}
		}
	}
	return s.clearLock()
}

// Status returns the current lock and whether the recorded process is
// actually alive, for diagnostics.
func (s *Supervisor) Status() (SessionLock, bool, bool) {
	lock, ok := s.readLock()
	if !ok {
		return SessionLock{}, false, false
	}
	return lock, true, s.alive(lock)
}

// BaseURL is the downstream CLI's entry point into a sidecar on port.
func BaseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
