package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want Version
		ok   bool
	}{
		{"6.1.0", Version{6, 1, 0, 0}, true},
		{"v6.1.0", Version{6, 1, 0, 0}, true},
		{"6.1.0-2", Version{6, 1, 0, 2}, true},
		{"6.1", Version{}, false},
		{"six.one.zero", Version{}, false},
		{"", Version{}, false},
		{"6.1.0-beta", Version{}, false},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseVersion(%q) err = %v, ok want %v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseVersion(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"6.1.0", "6.1.0", 0},
		{"6.1.0", "6.1.1", -1},
		{"6.2.0", "6.1.9", 1},
		{"6.1.0-1", "6.1.0", 1},
		{"6.1.0", "6.1.0-2", -1},
		{"7.0.0", "6.9.9", 1},
	}
	for _, tc := range cases {
		a, _ := ParseVersion(tc.a)
		b, _ := ParseVersion(tc.b)
		if got := a.Compare(b); got != tc.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNeedsConfirmation(t *testing.T) {
	faulty, _ := ParseVersion("6.0.1")
	if needs, _ := NeedsConfirmation(faulty); !needs {
		t.Error("6.0.1 sits in a faulty range and must need confirmation")
	}
	beyond, _ := ParseVersion("99.0.0")
	if needs, _ := NeedsConfirmation(beyond); !needs {
		t.Error("a version past max-stable must need confirmation")
	}
	fine, _ := ParseVersion("6.1.0")
	if needs, reason := NeedsConfirmation(fine); needs {
		t.Errorf("6.1.0 should install silently, got: %s", reason)
	}
}

func TestPinnedVersion(t *testing.T) {
	dir := t.TempDir()
	pin := filepath.Join(dir, ".version-pin")

	if _, has, err := PinnedVersion(pin); err != nil || has {
		t.Fatalf("missing pin: has=%v err=%v", has, err)
	}

	if err := os.WriteFile(pin, []byte("6.1.0-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	v, has, err := PinnedVersion(pin)
	if err != nil || !has {
		t.Fatalf("pin read: has=%v err=%v", has, err)
	}
	if v.String() != "6.1.0-2" {
		t.Errorf("pin = %s", v)
	}

	if err = os.WriteFile(pin, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err = PinnedVersion(pin); err == nil {
		t.Error("malformed pin must be an error, not silently unpinned")
	}
}
