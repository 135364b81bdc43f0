package dispatcher

import (
	"os"
	"path/filepath"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// webSearchHookScript is the locally-generated hook that lets third-party
// settings profiles answer the CLI's web-search tool calls; native paths
// skip it via CCS_WEBSEARCH_SKIP.
const webSearchHookScript = `#!/bin/sh
# Generated web-search hook. Routes search tool calls through the profile's
# provider when the native search backend is unavailable.
if [ "$CCS_WEBSEARCH_SKIP" = "1" ]; then
  exit 0
fi
exec "$CCS_WEBSEARCH_MCP" "$@"
`

// webSearchMCPManifest registers the hook's MCP companion server.
const webSearchMCPManifest = `{
  "name": "ccsw-websearch",
  "transport": "stdio",
  "command": "ccsw-websearch-mcp"
}
`

// ensureWebSearchHook installs the hook script and its MCP manifest under
// the config root, idempotently.
func ensureWebSearchHook(configRoot string) error {
	dir := filepath.Join(configRoot, "websearch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "create websearch dir", err)
	}

	hook := filepath.Join(dir, "hook.sh")
	if _, err := os.Stat(hook); os.IsNotExist(err) {
		if err = os.WriteFile(hook, []byte(webSearchHookScript), 0o755); err != nil {
			return ccerr.Wrap(ccerr.FilesystemIO, "write websearch hook", err)
		}
	}

	manifest := filepath.Join(dir, "mcp.json")
	if _, err := os.Stat(manifest); os.IsNotExist(err) {
		if err = os.WriteFile(manifest, []byte(webSearchMCPManifest), 0o600); err != nil {
			return ccerr.Wrap(ccerr.FilesystemIO, "write websearch manifest", err)
		}
	}
	return nil
}
