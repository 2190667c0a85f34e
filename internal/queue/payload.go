package queue

import (
	"crypto/md5" // #nosec G401 -- dedup fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// SanitizePayload normalizes an arbitrary JSON payload into its canonical
// form: keys sorted, whitespace stripped, anything that does not survive a
// JSON round trip rejected. Persisted payloads must round-trip
// deterministically because the dedup key is computed from a hash of the
// sanitized bytes.
func SanitizePayload(raw []byte) ([]byte, error) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.Wrap(err, "payload is not valid JSON")
	}
	// encoding/json writes map keys in sorted order, which makes the
	// re-marshal canonical.
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "payload does not round-trip")
	}
	return out, nil
}

// HashPayload returns the short fingerprint of a sanitized payload used in
// dedup keys: the first 8 hex characters of its md5 sum.
func HashPayload(sanitized []byte) string {
	sum := md5.Sum(sanitized) // #nosec G401
	return hex.EncodeToString(sum[:])[:8]
}
