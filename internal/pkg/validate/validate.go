package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// chatIdentityPattern matches a private-chat identity: a positive decimal
// id with no sign or leading zero.
var chatIdentityPattern = regexp.MustCompile(`^[1-9][0-9]{0,19}$`)

// v is the package-level singleton validator. Custom tags are registered
// in init before the first call to Struct.
var v = validator.New()

func init() {
	_ = v.RegisterValidation("chat_identity", func(fl validator.FieldLevel) bool {
		return chatIdentityPattern.MatchString(fl.Field().String())
	})
}

// Struct validates the given struct using its validate tags.
// Returns a human-readable error string or nil.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
