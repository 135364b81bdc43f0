// Package managementclient is the typed client for the sidecar's management
// HTTP endpoints: health, claude-api-key CRUD, model definitions by channel,
// and the OAuth start/callback pair the paste-callback flow uses. It is the
// client-side mirror of the sidecar's /v0/management surface.
package managementclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// defaultTimeout bounds every management request unless overridden.
const defaultTimeout = 5 * time.Second

// Client talks to one sidecar management endpoint.
type Client struct {
	baseURL       string
	managementKey string
	httpClient    *http.Client

	// lastVersion and lastCommit cache the sidecar build identity response
	// headers from the most recent successful call.
	lastVersion string
	lastCommit  string
}

// Options configures a Client.
type Options struct {
	Protocol string // "http" or "https"; empty means http
	Host     string // empty means 127.0.0.1
	Port     int
	// ManagementKey is sent as a bearer token on every request.
	ManagementKey string
	// Timeout overrides the default per-request timeout.
	Timeout time.Duration
	// AllowInsecureTLS accepts self-signed certificates over HTTPS. Only
	// honored when explicitly set; plain HTTP ignores it.
	AllowInsecureTLS bool
}

// New builds a Client. Default ports for the scheme (http 80, https 443)
// are elided from the base URL.
func New(opts Options) *Client {
	protocol := opts.Protocol
	if protocol == "" {
		protocol = "http"
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}

	base := protocol + "://" + host
	if opts.Port > 0 && !isDefaultPort(protocol, opts.Port) {
		base = fmt.Sprintf("%s:%d", base, opts.Port)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if protocol == "https" && opts.AllowInsecureTLS {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL:       base,
		managementKey: opts.ManagementKey,
		httpClient:    httpClient,
	}
}

func isDefaultPort(protocol string, port int) bool {
	return (protocol == "http" && port == 80) || (protocol == "https" && port == 443)
}

// BaseURL exposes the constructed base URL, mostly for logging.
func (c *Client) BaseURL() string { return c.baseURL }

// SidecarVersion returns the version and commit the sidecar reported on the
// most recent successful response.
func (c *Client) SidecarVersion() (version, commit string) {
	return c.lastVersion, c.lastCommit
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return ccerr.Wrap(ccerr.ManagementUnknown, "encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return ccerr.Wrap(ccerr.ManagementUnknown, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.managementKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.managementKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if v := resp.Header.Get("X-CPA-VERSION"); v != "" {
		c.lastVersion = v
	}
	if v := resp.Header.Get("X-CPA-COMMIT"); v != "" {
		c.lastCommit = v
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ccerr.Wrap(ccerr.ManagementUnknown, "read response body", err)
	}

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return ccerr.New(kind, fmt.Sprintf("%s %s: %s (%d)", method, path, msg, resp.StatusCode))
	}

	if out != nil && len(raw) > 0 {
		if err = json.Unmarshal(raw, out); err != nil {
			return ccerr.Wrap(ccerr.ManagementUnknown, "decode response body", err)
		}
	}
	return nil
}

// classifyStatus maps non-2xx statuses to the fixed error-kind table.
func classifyStatus(status int) (ccerr.Kind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == 401 || status == 403:
		return ccerr.ManagementAuthFailed, true
	case status == 404:
		return ccerr.ManagementNotFound, true
	case status == 400:
		return ccerr.ManagementBadRequest, true
	case status >= 500:
		return ccerr.ManagementServerError, true
	default:
		return ccerr.ManagementUnknown, true
	}
}

// classifyTransportError maps dial/transport failures to the fixed table:
// DNS resolution, unreachable network, refused connection, and timeouts each
// get their own kind so callers can print the right remediation.
func classifyTransportError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ccerr.Wrap(ccerr.ManagementTimeout, "request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ccerr.Wrap(ccerr.ManagementTimeout, "request timed out", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ccerr.Wrap(ccerr.ManagementDNSFailed, "resolving sidecar host", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Error()
		switch {
		case strings.Contains(msg, "connection refused"):
			return ccerr.Wrap(ccerr.ManagementConnRefused, "sidecar refused the connection", err)
		case strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "no route to host"):
			return ccerr.Wrap(ccerr.ManagementNetUnreachable, "sidecar network unreachable", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ccerr.Wrap(ccerr.ManagementTimeout, "request timed out", err)
	}
	return ccerr.Wrap(ccerr.ManagementUnknown, "management request failed", err)
}
