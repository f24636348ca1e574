package security

import (
	"fmt"
	"strings"
)

const shellMetachars = ";|&$`<>(){}[]*?~\n\r"

// ContainsShellMetachars reports whether a structured input value carries
// characters that would change meaning if it ever reached a shell.
func ContainsShellMetachars(s string) bool {
	return strings.ContainsAny(s, shellMetachars)
}

// ValidateEnumArg checks a structured argument against its enumerated
// allow-list. Values are compared exactly; anything else is refused.
func ValidateEnumArg(name, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &BlockedError{Reason: fmt.Sprintf("argument %s=%q not in allow-list", name, value)}
}

// ValidateFreeArg rejects free-form structured arguments containing shell
// metacharacters.
func ValidateFreeArg(name, value string) error {
	if ContainsShellMetachars(value) {
		return &BlockedError{Reason: fmt.Sprintf("argument %s contains shell metacharacters", name)}
	}
	return nil
}
