package supervisor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

const (
	releaseRepo      = "router-for-me/CLIProxyAPI"
	githubAPIBase    = "https://api.github.com"
	githubDLBase     = "https://github.com"
	binaryName       = "cli-proxy-api"
	downloadTimeout  = 5 * time.Minute
	metadataTimeout  = 15 * time.Second
	maxArchiveEntry  = 200 << 20
	updateCheckEvery = 24 * time.Hour
)

// Installer downloads and installs sidecar release binaries.
type Installer struct {
	BinDir      string
	VersionFile string
	PinFile     string

	// HTTPClient and API/DL base overrides exist for tests.
	HTTPClient *http.Client
	APIBase    string
	DLBase     string

	// Confirm is asked before installing a version that needs explicit
	// user sign-off. Nil means refuse such versions.
	Confirm func(version Version, reason string) bool
}

func (i *Installer) client(timeout time.Duration) *http.Client {
	if i.HTTPClient != nil {
		return i.HTTPClient
	}
	return &http.Client{Timeout: timeout}
}

func (i *Installer) apiBase() string {
	if i.APIBase != "" {
		return i.APIBase
	}
	return githubAPIBase
}

func (i *Installer) dlBase() string {
	if i.DLBase != "" {
		return i.DLBase
	}
	return githubDLBase
}

// BinaryPath is where the installed sidecar binary lives.
func (i *Installer) BinaryPath() string {
	name := binaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(i.BinDir, name)
}

// Ensure returns the path to a usable sidecar binary, installing one if
// needed. A pinned version is authoritative; otherwise any installed binary
// is used as-is with a background update check, and a cold start installs
// the latest stable release.
func (i *Installer) Ensure(ctx context.Context) (string, error) {
	pinned, hasPin, err := PinnedVersion(i.PinFile)
	if err != nil {
		return "", err
	}

	installed, hasInstalled := InstalledVersion(i.VersionFile)

	if hasPin {
		if hasInstalled && installed.Compare(pinned) == 0 && i.binaryExists() {
			return i.BinaryPath(), nil
		}
		if err = i.install(ctx, pinned); err != nil {
			return "", err
		}
		return i.BinaryPath(), nil
	}

	if hasInstalled && i.binaryExists() {
		go i.backgroundUpdateCheck(installed)
		return i.BinaryPath(), nil
	}

	latest, err := i.latestVersion(ctx)
	if err != nil {
		return "", err
	}
	if err = i.install(ctx, latest); err != nil {
		return "", err
	}
	return i.BinaryPath(), nil
}

func (i *Installer) binaryExists() bool {
	info, err := os.Stat(i.BinaryPath())
	return err == nil && !info.IsDir()
}

// backgroundUpdateCheck logs when a newer release exists. Failures are
// swallowed: an update hint is never worth failing an invocation over.
func (i *Installer) backgroundUpdateCheck(installed Version) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("update check panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()

	latest, err := i.latestVersion(ctx)
	if err != nil {
		log.Debugf("update check: %v", err)
		return
	}
	if latest.Compare(installed) > 0 {
		log.Infof("sidecar %s is available (installed: %s); run the update command to upgrade", latest, installed)
	}
}

// latestVersion queries the GitHub releases API, surfacing rate limiting as
// its own message since anonymous API quota is easy to exhaust.
func (i *Installer) latestVersion(ctx context.Context) (Version, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", i.apiBase(), releaseRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Version{}, ccerr.Wrap(ccerr.BinaryInstallFailed, "build release query", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := i.client(metadataTimeout).Do(req)
	if err != nil {
		return Version{}, ccerr.Wrap(ccerr.BinaryInstallFailed, "query latest release", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			reset := resp.Header.Get("X-RateLimit-Reset")
			return Version{}, ccerr.New(ccerr.BinaryInstallFailed,
				fmt.Sprintf("GitHub API rate limit exhausted (resets at epoch %s); try again later or pin a version", reset))
		}
	}
	if resp.StatusCode != http.StatusOK {
		return Version{}, ccerr.New(ccerr.BinaryInstallFailed,
			fmt.Sprintf("release query returned %d", resp.StatusCode))
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Version{}, ccerr.Wrap(ccerr.BinaryInstallFailed, "decode release metadata", err)
	}
	return ParseVersion(release.TagName)
}

// install downloads, verifies, and unpacks one release version, then
// records it in the version file.
func (i *Installer) install(ctx context.Context, v Version) error {
	if needs, reason := NeedsConfirmation(v); needs {
		if i.Confirm == nil || !i.Confirm(v, reason) {
			return ccerr.New(ccerr.BinaryInstallFailed, fmt.Sprintf("installation declined: %s", reason))
		}
	}

	assetName := fmt.Sprintf("CLIProxyAPI_%s_%s_%s.tar.gz", v, runtime.GOOS, runtime.GOARCH)
	url := fmt.Sprintf("%s/%s/releases/download/v%s/%s", i.dlBase(), releaseRepo, v, assetName)

	archive, err := i.download(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	if err = i.verifyChecksum(ctx, v, assetName, archive); err != nil {
		return err
	}
	if err = i.unpack(archive); err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(i.VersionFile), 0o700); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "create sidecar dir", err)
	}
	if err = os.WriteFile(i.VersionFile, []byte(v.String()), 0o600); err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "record installed version", err)
	}
	log.Infof("installed sidecar %s", v)
	return nil
}

func (i *Installer) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ccerr.Wrap(ccerr.BinaryInstallFailed, "build download request", err)
	}
	resp, err := i.client(downloadTimeout).Do(req)
	if err != nil {
		return "", ccerr.Wrap(ccerr.BinaryInstallFailed, "download release", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", ccerr.New(ccerr.BinaryInstallFailed,
			fmt.Sprintf("release download returned %d for %s", resp.StatusCode, url))
	}

	if err = os.MkdirAll(i.BinDir, 0o700); err != nil {
		return "", ccerr.Wrap(ccerr.FilesystemIO, "create bin dir", err)
	}
	tmp, err := os.CreateTemp(i.BinDir, "download-*.tar.gz")
	if err != nil {
		return "", ccerr.Wrap(ccerr.FilesystemIO, "create download temp", err)
	}
	defer func() { _ = tmp.Close() }()

	if _, err = io.Copy(tmp, resp.Body); err != nil {
		_ = os.Remove(tmp.Name())
		return "", ccerr.Wrap(ccerr.BinaryInstallFailed, "write download", err)
	}
	return tmp.Name(), nil
}

// verifyChecksum fetches the release's checksums file and verifies the
// downloaded archive against it. A missing checksums asset downgrades to a
// warning; a mismatching digest is fatal.
func (i *Installer) verifyChecksum(ctx context.Context, v Version, assetName, archive string) error {
	url := fmt.Sprintf("%s/%s/releases/download/v%s/checksums.txt", i.dlBase(), releaseRepo, v)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ccerr.Wrap(ccerr.BinaryInstallFailed, "build checksum request", err)
	}
	resp, err := i.client(metadataTimeout).Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			_ = resp.Body.Close()
		}
		log.Warnf("no checksums published for sidecar %s; skipping integrity check", v)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	sums, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ccerr.Wrap(ccerr.BinaryInstallFailed, "read checksums", err)
	}

	var want string
	for _, line := range strings.Split(string(sums), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == assetName {
			want = fields[0]
			break
		}
	}
	if want == "" {
		log.Warnf("checksums file has no entry for %s; skipping integrity check", assetName)
		return nil
	}

	f, err := os.Open(archive)
	if err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "open downloaded archive", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return ccerr.Wrap(ccerr.BinaryInstallFailed, "hash downloaded archive", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return ccerr.New(ccerr.BinaryInstallFailed,
			fmt.Sprintf("checksum mismatch for %s: got %s want %s", assetName, got, want))
	}
	return nil
}

// unpack extracts the sidecar binary from the release tarball into BinDir.
func (i *Installer) unpack(archive string) error {
	f, err := os.Open(archive)
	if err != nil {
		return ccerr.Wrap(ccerr.FilesystemIO, "open archive", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return ccerr.Wrap(ccerr.BinaryInstallFailed, "open gzip stream", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, errNext := tr.Next()
		if errNext == io.EOF {
			break
		}
		if errNext != nil {
			return ccerr.Wrap(ccerr.BinaryInstallFailed, "read archive", errNext)
		}
		base := filepath.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !strings.HasPrefix(base, binaryName) {
			continue
		}
		if hdr.Size > maxArchiveEntry {
			return ccerr.New(ccerr.BinaryInstallFailed, "archive entry implausibly large")
		}

		tmp := i.BinaryPath() + ".tmp"
		out, errCreate := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if errCreate != nil {
			return ccerr.Wrap(ccerr.FilesystemIO, "create binary", errCreate)
		}
		if _, err = io.Copy(out, io.LimitReader(tr, maxArchiveEntry)); err != nil {
			_ = out.Close()
			return ccerr.Wrap(ccerr.BinaryInstallFailed, "extract binary", err)
		}
		if err = out.Close(); err != nil {
			return ccerr.Wrap(ccerr.FilesystemIO, "close binary", err)
		}
		if err = os.Rename(tmp, i.BinaryPath()); err != nil {
			return ccerr.Wrap(ccerr.FilesystemIO, "move binary into place", err)
		}
		return nil
	}
	return ccerr.New(ccerr.BinaryInstallFailed, "archive contains no sidecar binary")
}
