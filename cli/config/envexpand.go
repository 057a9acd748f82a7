package config

import (
	"os"
	"regexp"
)

// envRef matches $$ (a literal dollar), ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config file body.
//
// ${VAR} becomes the variable's value, or "" when unset. ${VAR:-default}
// falls back to default when VAR is unset or empty. $$ is a literal $.
// Unset variables are not an error; a missing secret fails when the backend
// or adapter that needs it is built.
func ExpandEnv(input string) string {
	return expandWith(input, os.LookupEnv)
}

func expandWith(input string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		if ref == "$$" {
			return "$"
		}
		m := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}
