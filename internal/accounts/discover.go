package accounts

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// weightCopyName matches the derived duplicates weighted sync maintains in
// the auth directory. They are load-balancing artifacts of an account that
// already has a registry entry, never accounts of their own.
var weightCopyName = regexp.MustCompile(`\.w\d+\.json$`)

// discoveredFile is what a scan of auth/ or auth-paused/ can learn about a
// token file without knowing yet which Account record (if any) owns it.
type discoveredFile struct {
	tokenType string
	email     string
	// birthTime approximates the file's creation time. Go exposes no
	// portable birth time, so the modification time stands in for both.
	birthTime time.Time
	modTime   time.Time
	paused    bool
}

// discoverTokenFiles walks authDir and pausedDir, reading each JSON file's
// "type"/"email" fields without a full struct unmarshal. The
// returned map is keyed by the path relative to whichever dir it was found
// under (authDir or pausedDir), which is what registry.go stores as
// Account.TokenFile.
func discoverTokenFiles(authDir, pausedDir string) (map[string]discoveredFile, error) {
	out := make(map[string]discoveredFile)
	if err := scanDir(authDir, false, out); err != nil {
		return nil, err
	}
	if err := scanDir(pausedDir, true, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDir(dir string, paused bool, out map[string]discoveredFile) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		if weightCopyName.MatchString(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 || !gjson.ValidBytes(data) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out[entry.Name()] = discoveredFile{
			tokenType: gjson.GetBytes(data, "type").String(),
			email:     gjson.GetBytes(data, "email").String(),
			birthTime: info.ModTime(),
			modTime:   info.ModTime(),
			paused:    paused,
		}
	}
	return nil
}
