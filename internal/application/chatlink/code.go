package chatlink

import (
	"regexp"
	"strings"

	"github.com/go-chat-link/internal/pkg/token"
)

// codePattern accepts a bare code or one following a bot command such as
// "/start" or "/start@SomeBot". Input is upper-cased before matching.
var codePattern = regexp.MustCompile(`^(?:/[A-Z_]+(?:@[A-Z0-9_]+)?\s+)?([0-9A-F]{8})$`)

func newCode() (string, error) {
	return token.NewLinkCode()
}

// parseCode extracts the link code from inbound chat text.
func parseCode(text string) (string, bool) {
	m := codePattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(text)))
	if m == nil {
		return "", false
	}
	return m[1], true
}
