package oauthflow

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/managementclient"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// pasteTimeout bounds how long a started paste-callback flow stays valid.
const pasteTimeout = 10 * time.Minute

// PasteCallback runs the manual-transport flow for hosts with no reachable
// loopback: the sidecar's management endpoint starts the flow, the user
// visits the URL elsewhere and pastes the resulting callback URL back here.
func (d *Driver) PasteCallback(ctx context.Context, provider providerset.Provider, mgmt *managementclient.Client, opts Options) (*accounts.Account, error) {
	if err := d.interlock(provider, opts); err != nil {
		return nil, err
	}
	if err := d.nicknameGate(provider, &opts); err != nil {
		return nil, err
	}

	authURL, err := mgmt.OAuthStart(ctx, string(provider))
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "\nOpen this URL in a browser on any machine:\n\n  %s\n\n", authURL)
	if errClip := clipboard.WriteAll(authURL); errClip == nil {
		fmt.Fprintln(os.Stderr, "(copied to clipboard)")
	} else {
		log.Debugf("clipboard unavailable: %v", errClip)
	}
	fmt.Fprint(os.Stderr, "After authorizing, paste the full callback URL here:\n> ")

	callbackURL, err := readLineWithTimeout(ctx, pasteTimeout)
	if err != nil {
		return nil, err
	}

	if err = validateCallbackURL(callbackURL); err != nil {
		return nil, err
	}
	if err = mgmt.OAuthCallback(ctx, callbackURL); err != nil {
		return nil, err
	}
	return d.complete(provider, opts)
}

func validateCallbackURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ccerr.Wrap(ccerr.AuthRequired, "callback URL is not a URL", err)
	}
	if parsed.Query().Get("code") == "" {
		return ccerr.New(ccerr.AuthRequired, "callback URL carries no code parameter; paste the full redirect URL")
	}
	return nil
}

// readLineWithTimeout reads one line from stdin, giving up after timeout.
func readLineWithTimeout(ctx context.Context, timeout time.Duration) (string, error) {
	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()

	select {
	case line := <-lineCh:
		return line, nil
	case err := <-errCh:
		return "", ccerr.Wrap(ccerr.UserCancelled, "input closed", err)
	case <-ctx.Done():
		return "", ccerr.Wrap(ccerr.UserCancelled, "login aborted", ctx.Err())
	case <-time.After(timeout):
		return "", ccerr.New(ccerr.AuthTimeout, fmt.Sprintf("no callback URL pasted within %s", timeout))
	}
}
