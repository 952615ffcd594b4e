package config

import (
	"os"
	"regexp"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-fallback}. A bare $ is left alone so
// passwords containing it survive.
func expandEnv(b []byte, lookup func(string) (string, bool)) []byte {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := lookup(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}
