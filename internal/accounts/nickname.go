package accounts

import (
	"regexp"
	"strings"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// reservedNickname matches the auto-generated nicknames the registry itself
// assigns to nickname-less providers ("kiro-1", "ghcp-2", ...). A user may
// not claim one manually since the registry relies on the pattern to
// recognize its own placeholders on reconciliation.
var reservedNickname = regexp.MustCompile(`(?i)^(kiro|ghcp)-\d+$`)

const maxNicknameLen = 50

// forbidden characters a nickname may never contain: these double as path
// separators or shell/URL metacharacters the nickname could end up embedded
// next to (management API query strings, file names under auth/).
const forbiddenNicknameChars = "%/&?#"

// ValidateNickname enforces the nickname rules: non-empty, at most 50
// runes, free of whitespace and the forbidden character set, and not one of
// the registry's own reserved auto-generated patterns.
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return ccerr.New(ccerr.FilesystemIO, "nickname must not be empty")
	}
	if len([]rune(nickname)) > maxNicknameLen {
		return ccerr.New(ccerr.FilesystemIO, "nickname exceeds 50 characters")
	}
	if strings.ContainsAny(nickname, forbiddenNicknameChars) {
		return ccerr.New(ccerr.FilesystemIO, "nickname contains a forbidden character (%/&?#)")
	}
	for _, r := range nickname {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return ccerr.New(ccerr.FilesystemIO, "nickname must not contain whitespace")
		}
	}
	if reservedNickname.MatchString(nickname) {
		return ccerr.New(ccerr.FilesystemIO, "nickname is reserved for auto-generated entries")
	}
	return nil
}
