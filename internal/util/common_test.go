package util

import "testing"

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/peer", "data"); got != "/peer/data" {
		t.Errorf("relative: %q", got)
	}
	if got := ResolvePath("/peer", "/abs/data"); got != "/abs/data" {
		t.Errorf("absolute must override base: %q", got)
	}
}

func TestValidateIdentity(t *testing.T) {
	id, err := ValidateIdentity("  ab12cd34  ")
	if err != nil || id != "ab12cd34" {
		t.Errorf("ValidateIdentity trimmed = %q, %v", id, err)
	}
	for _, bad := range []string{"", "   ", "a b", "a/b", `a\b`, "../etc"} {
		if _, err := ValidateIdentity(bad); err == nil {
			t.Errorf("ValidateIdentity(%q) accepted", bad)
		}
	}
}
