package roomcode

import (
	"errors"
	"testing"
)

func TestSplit(t *testing.T) {
	base, suffix, err := Split("ABCD-EF12-3456-1")
	if err != nil {
		t.Fatal(err)
	}
	if base != "ABCD-EF12-3456" {
		t.Errorf("base = %q, want ABCD-EF12-3456", base)
	}
	if suffix != SuffixOne {
		t.Errorf("suffix = %q, want 1", suffix)
	}
}

func TestSplitRejectsMalformed(t *testing.T) {
	for _, tok := range []string{
		"",
		"ABCD-EF12-3456",
		"ABCD-EF12-3456-3",
		"ABCD-EF12-3456-12",
		"abcd_ef12-3456-1",
		"ABCDE-F12-3456-1",
		"ABCD-EF12-34561",
	} {
		t.Run(tok, func(t *testing.T) {
			if _, _, err := Split(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Split(%q) err = %v, want ErrInvalidToken", tok, err)
			}
		})
	}
}

func TestPartnerToken(t *testing.T) {
	p, err := PartnerToken("ABCD-EF12-3456-1")
	if err != nil {
		t.Fatal(err)
	}
	if p != "ABCD-EF12-3456-2" {
		t.Errorf("partner = %q, want ABCD-EF12-3456-2", p)
	}

	// Round trip: the partner of the partner is the original.
	back, err := PartnerToken(p)
	if err != nil {
		t.Fatal(err)
	}
	if back != "ABCD-EF12-3456-1" {
		t.Errorf("round trip = %q", back)
	}
}

func TestPartnerSuffix(t *testing.T) {
	if PartnerSuffix(SuffixOne) != SuffixTwo || PartnerSuffix(SuffixTwo) != SuffixOne {
		t.Error("PartnerSuffix must swap 1 and 2")
	}
}

func TestGeneratePair(t *testing.T) {
	pair := GeneratePair()

	b1, s1, err := Split(pair.Token1)
	if err != nil {
		t.Fatalf("Token1 %q invalid: %v", pair.Token1, err)
	}
	b2, s2, err := Split(pair.Token2)
	if err != nil {
		t.Fatalf("Token2 %q invalid: %v", pair.Token2, err)
	}

	if b1 != b2 {
		t.Errorf("bases differ: %q vs %q", b1, b2)
	}
	if s1 != SuffixOne || s2 != SuffixTwo {
		t.Errorf("suffixes = %q, %q, want 1, 2", s1, s2)
	}

	// Partner relation holds across a generated pair.
	p, err := PartnerToken(pair.Token1)
	if err != nil {
		t.Fatal(err)
	}
	if p != pair.Token2 {
		t.Errorf("PartnerToken(Token1) = %q, want %q", p, pair.Token2)
	}
}
