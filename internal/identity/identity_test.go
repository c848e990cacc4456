package identity

import "testing"

func TestLoadOrCreateStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir, "abcd1234wxyz")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != identityLen {
		t.Fatalf("identity %q, want %d characters", first, identityLen)
	}

	again, err := LoadOrCreate(dir, "abcd1234wxyz")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again != first {
		t.Fatalf("identity changed across loads: %q then %q", first, again)
	}

	other, err := LoadOrCreate(dir, "zzzz9999qqqq")
	if err != nil {
		t.Fatalf("second room: %v", err)
	}
	if other == first {
		t.Fatal("two rooms share one identity")
	}
}
