package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// LinkCodeLen is the length of a code returned by NewLinkCode.
const LinkCodeLen = 8

// Hex returns n cryptographically random bytes as lowercase hex.
func Hex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewLinkCode generates an upper-case hex code short enough to type into a
// chat: 8 characters, 32 bits of entropy.
func NewLinkCode() (string, error) {
	s, err := Hex(LinkCodeLen / 2)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(s), nil
}
