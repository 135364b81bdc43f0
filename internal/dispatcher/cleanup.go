package dispatcher

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CleanupSet collects the teardown actions an invocation accumulates
// (release a proxy session, stop the thinking proxy) and runs them exactly
// once, in reverse registration order, whether the invocation ends normally
// or by signal.
type CleanupSet struct {
	mu      sync.Mutex
	fns     []func()
	ranOnce bool
}

// Register appends a cleanup action.
func (c *CleanupSet) Register(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// Run executes every registered cleanup once, newest first.
func (c *CleanupSet) Run() {
	c.mu.Lock()
	if c.ranOnce {
		c.mu.Unlock()
		return
	}
	c.ranOnce = true
	fns := c.fns
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Debugf("cleanup panicked: %v", r)
				}
			}()
			fns[i]()
		}()
	}
}

// InstallSignalHandlers terminates deterministically on signals: SIGINT
// runs cleanups and exits 130, SIGTERM runs cleanups and exits 0.
func (c *CleanupSet) InstallSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		c.Run()
		if sig == syscall.SIGINT {
			os.Exit(130)
		}
		os.Exit(0)
	}()
}
