package config

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// fingerprint is a content hash of the decoded config. Key order and
// whitespace in the file do not affect it.
func fingerprint(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
