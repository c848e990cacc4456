// Package roomcode encodes and decodes the room tokens handed to the two
// parties of a room. A token looks like "AAAA-BBBB-CCCC-S": the first twelve
// characters are the shared base identifier, the trailing suffix (1 or 2)
// distinguishes the parties. Two tokens with the same base are partners.
package roomcode

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Suffix distinguishes the two parties sharing one room base.
type Suffix string

const (
	SuffixOne Suffix = "1"
	SuffixTwo Suffix = "2"
)

var tokenRe = regexp.MustCompile(`^[A-Za-z0-9]{4}-[A-Za-z0-9]{4}-[A-Za-z0-9]{4}-[12]$`)

// ErrInvalidToken is wrapped by every validation failure in this package.
var ErrInvalidToken = fmt.Errorf("invalid room token")

// Pair is the two tokens minted for a freshly created room.
type Pair struct {
	Token1 string
	Token2 string
}

// Validate checks a raw token against the canonical format. It is called
// before any network or storage operation touches the token.
func Validate(token string) error {
	if !tokenRe.MatchString(token) {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return nil
}

// Split separates a token into its shared base and party suffix.
func Split(token string) (base string, suffix Suffix, err error) {
	if err := Validate(token); err != nil {
		return "", "", err
	}
	// The suffix is always the final "-1" / "-2".
	return token[:len(token)-2], Suffix(token[len(token)-1:]), nil
}

// PartnerSuffix swaps 1 and 2.
func PartnerSuffix(s Suffix) Suffix {
	if s == SuffixOne {
		return SuffixTwo
	}
	return SuffixOne
}

// PartnerToken returns the token held by the other party of the same room.
func PartnerToken(token string) (string, error) {
	base, suffix, err := Split(token)
	if err != nil {
		return "", err
	}
	return base + "-" + string(PartnerSuffix(suffix)), nil
}

// GeneratePair draws one random base identifier and emits both suffixed
// tokens. No collision check happens here; room creation in the store relies
// on the unique constraint with insert-or-fetch-existing semantics.
func GeneratePair() Pair {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	base := fmt.Sprintf("%s-%s-%s", raw[0:4], raw[4:8], raw[8:12])
	return Pair{
		Token1: base + "-" + string(SuffixOne),
		Token2: base + "-" + string(SuffixTwo),
	}
}
