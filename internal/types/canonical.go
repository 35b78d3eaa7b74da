package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON marshals v to canonical JSON: object keys sorted, no
// insignificant whitespace, UTF-8. The value is round-tripped through an
// untyped decode so struct fields are emitted in key order rather than
// declaration order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var untyped any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&untyped); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	// encoding/json sorts map keys and emits compact output.
	out, err := json.Marshal(untyped)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}

// HashBytes returns the hex-encoded SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and digests it. Used for fragment dedupe.
func HashValue(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
