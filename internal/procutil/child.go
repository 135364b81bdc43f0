// Package procutil holds the child-process plumbing shared by the three
// components that spawn a child and wait for a stdout banner: the OAuth
// flow driver (the sidecar binary in login mode), the sidecar proxy
// supervisor (the long-lived sidecar), and the embedded thinking-mode
// proxy runner (the short-lived rewrite proxy).
package procutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Child wraps a running *exec.Cmd and fans its stdout out as lines so
// multiple readers (a milestone scanner, a readiness-handshake waiter, a
// verbose passthrough logger) can all observe it without racing on the pipe.
type Child struct {
	Cmd *exec.Cmd

	mu       sync.Mutex
	lines    chan string
	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// Start launches cmd with a piped stdout (stderr passes through to this
// process's own stderr) and begins scanning stdout lines into a buffered
// channel.
func Start(cmd *exec.Cmd) (*Child, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("procutil: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("procutil: start %s: %w", cmd.Path, err)
	}

	child := &Child{
		Cmd:      cmd,
		lines:    make(chan string, 64),
		waitDone: make(chan struct{}),
	}

	go child.scan(stdout)

	return child, nil
}

func (c *Child) scan(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case c.lines <- line:
		default:
			log.Debugf("procutil: dropping child stdout line, reader too slow: %s", line)
		}
	}
	close(c.lines)
}

// Lines returns the channel of stdout lines, closed when the child's stdout
// reaches EOF.
func (c *Child) Lines() <-chan string { return c.lines }

// Wait blocks until the child exits. Safe to call from multiple goroutines;
// only the first call actually waits, the rest observe the same result.
func (c *Child) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.Cmd.Wait()
		close(c.waitDone)
	})
	<-c.waitDone
	return c.waitErr
}

// Done returns a channel closed once the child has exited.
func (c *Child) Done() <-chan struct{} { return c.waitDone }

// Signal sends sig to the child process, ignoring "process already finished"
// errors since that is not a caller-actionable failure.
func (c *Child) Signal(sig os.Signal) error {
	if c.Cmd.Process == nil {
		return nil
	}
	err := c.Cmd.Process.Signal(sig)
	if err != nil && strings.Contains(err.Error(), "process already finished") {
		return nil
	}
	return err
}

// Kill forcibly terminates the child.
func (c *Child) Kill() error {
	if c.Cmd.Process == nil {
		return nil
	}
	return c.Cmd.Process.Kill()
}

// AwaitPrefixedLine consumes lines until one carries prefix, a timeout
// elapses, or the child exits first, returning the remainder of the
// matching line. Unmatched lines are forwarded to onOther so the caller can
// still extract secondary milestones (auth URL, callback readiness, etc.)
// from the same scan pass.
func AwaitPrefixedLine(lines <-chan string, prefix string, timeout time.Duration, onOther func(string)) (string, error) {
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", fmt.Errorf("procutil: child stdout closed before %q was seen", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return strings.TrimPrefix(line, prefix), nil
			}
			if onOther != nil {
				onOther(line)
			}
		case <-deadline:
			return "", fmt.Errorf("procutil: timed out after %s waiting for %q", timeout, prefix)
		}
	}
}
