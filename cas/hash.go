package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Hash is a lowercase hex-encoded sha256 digest, the content-address of a blob.
type Hash string

// canonicalEncMode produces deterministic CBOR: map keys sorted length-first,
// then bytewise (RFC 7049 canonical order), no indefinite-length items,
// shortest-form integers. This mirrors the
// serde_cbor::value::to_value canonicalization the spec requires.
var canonicalEncMode = mustCanonicalMode()

func mustCanonicalMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cas: building canonical cbor mode: %v", err))
	}
	return mode
}

// CanonicalCBOR encodes v as canonical CBOR: identical logical values always
// produce byte-identical output, regardless of map insertion order.
func CanonicalCBOR(v any) ([]byte, error) {
	return canonicalEncMode.Marshal(v)
}

// HashBytes returns the lowercase hex sha256 digest of raw bytes.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashPayload canonically encodes v as CBOR and returns its content hash, the
// "content hash" of spec.md §3: sha256_hex over canonical CBOR of a payload.
func HashPayload(v any) (Hash, []byte, error) {
	encoded, err := CanonicalCBOR(v)
	if err != nil {
		return "", nil, err
	}
	return HashBytes(encoded), encoded, nil
}

// SortedStrings returns a new sorted copy of ss, used whenever a canonical
// ordering is required before hashing (e.g. revoked key id sets).
func SortedStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}

func (h Hash) String() string { return string(h) }

// Valid reports whether h looks like a well-formed 64-character hex digest.
func (h Hash) Valid() bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}
