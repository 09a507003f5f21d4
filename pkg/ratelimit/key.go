package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintLength is the number of hex characters kept from the hash.
const fingerprintLength = 12

// BucketKey identifies the bucket a request is charged against.
type BucketKey struct {
	// Override is an explicit caller-supplied key. It always wins.
	Override string

	// Host is the target host of the request (e.g. "school.instructure.com").
	Host string

	// APIHost is the configured API host. Requests without a credential to
	// this host share DefaultBucket.
	APIHost string

	// Credential is the active API key or OAuth access token.
	Credential string
}

// String generates the deterministic bucket key.
// Format: host:fingerprint
//
// Example:
//
//	school.instructure.com:3f9a1c0b7e42
func (k BucketKey) String() string {
	if k.Override != "" {
		return k.Override
	}

	host := strings.ToLower(k.Host)
	if k.Credential == "" {
		if host == "" || strings.EqualFold(host, k.APIHost) {
			return DefaultBucket
		}
		return host + ":" + DefaultBucket
	}

	fp := Fingerprint(k.Credential)
	if host == "" {
		return fp
	}
	return host + ":" + fp
}

// Fingerprint returns a short, non-reversible identifier for a credential so
// bucket keys never carry the secret itself.
func Fingerprint(credential string) string {
	if credential == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}
