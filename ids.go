package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// RequestID is a stable identifier derived from the client-supplied
// Idempotency-Key header. Keys are opaque bytes; two RequestIDs are equal
// iff the underlying raw keys (after an optional identity Transform) are
// equal.
type RequestID string

// Fingerprint identifies "which request a key was first used for". Two
// requests that present the same RequestID but a different Fingerprint
// are a client error (Outcome Mismatch).
type Fingerprint string

// Transform scopes a raw Idempotency-Key header value before it's hashed
// into a RequestID, e.g. to namespace keys per authenticated user. A nil
// Transform is the identity function.
type Transform func(rawKey string) string

// NewRequestID hashes rawKey (after an optional Transform) into a stable
// RequestID. SHA-256, lower-hex, the same encoding NewFingerprint uses.
func NewRequestID(rawKey string, transform Transform) RequestID {
	if transform != nil {
		rawKey = transform(rawKey)
	}
	return RequestID(hashHex(rawKey))
}

// NewFingerprint derives a Fingerprint from method, path and
// params/body. Path is order-sensitive (it is compared as given);
// params is order-insensitive, encoded with sorted keys and sorted,
// comma-joined repeated values, per spec. This implementation includes
// path in the fingerprint (see DESIGN.md's Open Question resolution),
// so a key reused on a different path is a Mismatch rather than a fresh
// admission.
func NewFingerprint(method, path string, params url.Values, body []byte) Fingerprint {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(canonicalizeParams(params))
	b.WriteByte('\n')
	b.Write(body)
	return Fingerprint(hashHex(b.String()))
}

// canonicalizeParams renders params order-insensitively: sorted keys,
// and each key's values sorted and comma-joined, so {"a":["1","2"]} and
// a request that happened to receive the values in the other order
// produce the same string.
func canonicalizeParams(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
