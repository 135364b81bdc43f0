package accounts

import "testing"

func TestValidateNickname(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{in: "work-account", ok: true},
		{in: "a", ok: true},
		{in: "", ok: false},
		{in: "kiro-1", ok: false},
		{in: "ghcp-42", ok: false},
		{in: "has space", ok: false},
		{in: "has%percent", ok: false},
		{in: "has/slash", ok: false},
		{in: "has&amp", ok: false},
		{in: "has?query", ok: false},
		{in: "has#hash", ok: false},
	}
	for _, tc := range cases {
		err := ValidateNickname(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ValidateNickname(%q) unexpected error: %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateNickname(%q) expected error, got nil", tc.in)
		}
	}
}

func TestValidateNicknameLength(t *testing.T) {
	long := make([]byte, 51)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateNickname(string(long)); err == nil {
		t.Fatal("expected error for 51-char nickname")
	}
	ok := long[:50]
	if err := ValidateNickname(string(ok)); err != nil {
		t.Fatalf("50-char nickname should be valid: %v", err)
	}
}
