package thinkproxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ServeArg is the hidden argument that makes the orchestrator binary run as
// the thinking proxy instead of dispatching.
const ServeArg = "__thinkproxy"

// Serve runs the proxy process: listen on an ephemeral loopback port,
// announce readiness on stdout, and forward requests upstream with the
// thinking rewrite applied. Blocks until SIGTERM/SIGINT.
func Serve() error {
	upstreamRaw := os.Getenv("ANTHROPIC_BASE_URL")
	authToken := os.Getenv("ANTHROPIC_AUTH_TOKEN")
	if upstreamRaw == "" || authToken == "" {
		return fmt.Errorf("thinkproxy: ANTHROPIC_BASE_URL and ANTHROPIC_AUTH_TOKEN are required")
	}
	upstream, err := url.Parse(upstreamRaw)
	if err != nil {
		return fmt.Errorf("thinkproxy: parse upstream url: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("thinkproxy: listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		baseDirector(req)
		req.Host = upstream.Host
		req.Header.Set("Authorization", "Bearer "+authToken)
		req.Header.Set("x-api-key", authToken)
		rewriteThinkingRequest(req)
	}

	server := &http.Server{Handler: proxy}
	go func() {
		if errServe := server.Serve(listener); errServe != nil && errServe != http.ErrServerClosed {
			log.Errorf("thinkproxy: %v", errServe)
		}
	}()

	// The parent reads this banner to learn the port.
	fmt.Printf("PROXY_READY:%d\n", port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	return server.Close()
}

// rewriteThinkingRequest forces the fixed model and enables interleaved
// thinking on message creation calls, the rewrite the downstream CLI cannot
// apply itself.
func rewriteThinkingRequest(req *http.Request) {
	if req.Method != http.MethodPost || req.Body == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 16<<20))
	_ = req.Body.Close()
	if err != nil || !gjson.ValidBytes(body) {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		return
	}

	if gjson.GetBytes(body, "model").Exists() {
		body, _ = sjson.SetBytes(body, "model", Model)
	}
	if !gjson.GetBytes(body, "thinking").Exists() {
		body, _ = sjson.SetRawBytes(body, "thinking", []byte(`{"type":"enabled","budget_tokens":8192}`))
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
}
