package dispatcher

import (
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// spawnDownstream hands stdio to the downstream CLI and blocks until it
// exits, returning its exit code. A CLI killed by a signal re-raises that
// signal in this process so shells observe the same death.
func spawnDownstream(cli string, args []string, env []string) (int, error) {
	path, shellArgs, viaShell := resolveExecutable(cli, args)

	var cmd *exec.Cmd
	if viaShell {
		cmd = exec.Command(path, shellArgs...)
	} else {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return 1, ccerr.Wrap(ccerr.Unknown, "downstream CLI not found on PATH", err)
		}
		cmd = exec.Command(resolved, args...)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return 1, ccerr.Wrap(ccerr.Unknown, "spawn downstream CLI", err)
	}

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if sig, killed := exitSignal(exitErr); killed {
			log.Debugf("downstream CLI died on signal %v; re-raising", sig)
			reraiseSignal(sig)
			// reraiseSignal normally does not return; conventional
			// 128+signal fallback when it does.
			return 128 + int(sig), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 1, ccerr.Wrap(ccerr.Unknown, "wait for downstream CLI", err)
}
