package managementclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

func clientFor(t *testing.T, server *httptest.Server, key string) *Client {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return New(Options{Host: u.Hostname(), Port: port, ManagementKey: key})
}

func TestBaseURLElidesDefaultPorts(t *testing.T) {
	cases := []struct {
		opts Options
		want string
	}{
		{Options{Host: "example.com", Port: 80}, "http://example.com"},
		{Options{Host: "example.com", Port: 8317}, "http://example.com:8317"},
		{Options{Protocol: "https", Host: "example.com", Port: 443}, "https://example.com"},
		{Options{Protocol: "https", Host: "example.com", Port: 8443}, "https://example.com:8443"},
		{Options{}, "http://127.0.0.1"},
	}
	for _, tc := range cases {
		if got := New(tc.opts).BaseURL(); got != tc.want {
			t.Errorf("BaseURL(%+v) = %q, want %q", tc.opts, got, tc.want)
		}
	}
}

func TestHealthSendsBearerAndReadsVersionHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("X-CPA-VERSION", "6.1.0")
		w.Header().Set("X-CPA-COMMIT", "abc1234")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	c := clientFor(t, server, "secret")
	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if v, commit := c.SidecarVersion(); v != "6.1.0" || commit != "abc1234" {
		t.Errorf("version headers = %q/%q", v, commit)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   ccerr.Kind
	}{
		{401, ccerr.ManagementAuthFailed},
		{403, ccerr.ManagementAuthFailed},
		{404, ccerr.ManagementNotFound},
		{400, ccerr.ManagementBadRequest},
		{500, ccerr.ManagementServerError},
		{503, ccerr.ManagementServerError},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := clientFor(t, server, "")
		_, err := c.Health(context.Background())
		if ccerr.Of(err) != tc.want {
			t.Errorf("status %d mapped to %v, want %s", tc.status, err, tc.want)
		}
		server.Close()
	}
}

func TestConnectionRefusedMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // port now refuses connections

	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	c := New(Options{Host: u.Hostname(), Port: port})
	_, err := c.Health(context.Background())
	if ccerr.Of(err) != ccerr.ManagementConnRefused {
		t.Errorf("error = %v, want ManagementConnRefused", err)
	}
}

func TestTimeoutMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	c := New(Options{Host: u.Hostname(), Port: port, Timeout: 50 * time.Millisecond})
	_, err := c.Health(context.Background())
	if ccerr.Of(err) != ccerr.ManagementTimeout {
		t.Errorf("error = %v, want ManagementTimeout", err)
	}
}

func TestDNSFailureMapping(t *testing.T) {
	c := New(Options{Host: "definitely-not-a-real-host.invalid", Port: 8317, Timeout: 2 * time.Second})
	_, err := c.Health(context.Background())
	if kind := ccerr.Of(err); kind != ccerr.ManagementDNSFailed && kind != ccerr.ManagementTimeout {
		t.Errorf("error = %v, want ManagementDNSFailed", err)
	}
}

func TestModelDefinitionsChannelQuery(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		_, _ = w.Write([]byte(`[{"id":"glm-4.6","channel":"claude"}]`))
	}))
	defer server.Close()

	c := clientFor(t, server, "")
	defs, err := c.ModelDefinitions(context.Background(), "claude")
	if err != nil {
		t.Fatalf("ModelDefinitions: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "glm-4.6" {
		t.Errorf("defs = %+v", defs)
	}
	if gotPath != "/v0/management/model-definitions?channel=claude" {
		t.Errorf("path = %q", gotPath)
	}
}
