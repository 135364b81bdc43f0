package oauthflow

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/unkcaicai/ccswitch/internal/accounts"
	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// complete locates the newest token file the flow produced, registers it,
// and fires the best-effort remote upload. Shared by all three flows.
func (d *Driver) complete(provider providerset.Provider, opts Options) (*accounts.Account, error) {
	tokenFile, err := d.newestTokenFile(provider)
	if err != nil {
		if provider == providerset.Kiro {
			if imported, errImport := d.kiroImport(); errImport == nil && imported {
				tokenFile, err = d.newestTokenFile(provider)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	raw, err := os.ReadFile(filepath.Join(d.AuthDir, tokenFile))
	if err != nil {
		return nil, ccerr.Wrap(ccerr.FilesystemIO, "read completed token", err).WithProvider(string(provider))
	}
	email := gjson.GetBytes(raw, "email").String()
	projectID := gjson.GetBytes(raw, "project_id").String()
	if opts.ProjectID != "" {
		projectID = opts.ProjectID
	}

	account, err := d.Registry.Register(provider, tokenFile, email, opts.Nickname, projectID, false)
	if err != nil {
		return nil, err
	}

	if d.Uploader != nil {
		path := filepath.Join(d.AuthDir, tokenFile)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Debugf("token upload panicked: %v", r)
				}
			}()
			d.Uploader(provider, path)
		}()
	}
	return account, nil
}

// newestTokenFile finds the most recently modified auth file whose type
// field belongs to provider.
func (d *Driver) newestTokenFile(provider providerset.Provider) (string, error) {
	entries, err := os.ReadDir(d.AuthDir)
	if err != nil {
		return "", ccerr.Wrap(ccerr.FilesystemIO, "scan auth dir", err).WithProvider(string(provider))
	}

	typeValues := providerset.TokenTypeValues(provider)
	var newest string
	var newestAt time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		raw, errRead := os.ReadFile(filepath.Join(d.AuthDir, entry.Name()))
		if errRead != nil || !gjson.ValidBytes(raw) {
			continue
		}
		fileType := gjson.GetBytes(raw, "type").String()
		matched := false
		for _, v := range typeValues {
			if v == fileType {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = entry.Name()
			newestAt = info.ModTime()
		}
	}
	if newest == "" {
		return "", ccerr.New(ccerr.AuthRequired,
			fmt.Sprintf("no %s token file appeared after the flow completed", provider)).WithProvider(string(provider))
	}
	return newest, nil
}

// kiroImport invokes the sidecar's Kiro IDE import to copy a token out of
// the IDE's own storage, the fallback when an exit-0 flow produced no file.
func (d *Driver) kiroImport() (bool, error) {
	log.Info("no Kiro token produced by the flow; importing from the Kiro IDE")
	cmd := exec.Command(d.BinaryPath, "--kiro-import", "--auth-dir", d.AuthDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Debugf("kiro import: %v: %s", err, out)
		return false, err
	}
	return true, nil
}
