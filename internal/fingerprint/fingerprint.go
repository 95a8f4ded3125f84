package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"net/http"

	"golang.org/x/crypto/blake2b"
)

// Headers that affect the upstream response and therefore participate in the
// fingerprint. Anything else (request IDs, tracing, dates) would make every
// request falsely unique and defeat coalescing.
var coalescedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Range",
}

// Derive maps one logical request to a deterministic fingerprint. Every
// component enters the digest length-prefixed, with the allow-list iterated
// in its own fixed order and each header's value count recorded, so neither
// map insertion order nor delimiter bytes inside a value can make two
// different requests collide. The payload participates through its digest
// only: the fingerprint length is independent of payload size and credential
// bearing header values never show up verbatim in logs or metrics.
func Derive(method, target string, payload []byte, header http.Header) string {
	digest, _ := blake2b.New256(nil)

	writeComponent(digest, method)
	writeComponent(digest, target)

	for _, name := range coalescedHeaders {
		values := header.Values(name)

		writeComponent(digest, name)
		writeLength(digest, len(values))

		for _, value := range values {
			writeComponent(digest, value)
		}
	}

	if len(payload) > 0 {
		sum := blake2b.Sum256(payload)
		digest.Write(sum[:])
	}

	return hex.EncodeToString(digest.Sum(nil))
}

func writeComponent(digest hash.Hash, value string) {
	writeLength(digest, len(value))
	digest.Write([]byte(value))
}

func writeLength(digest hash.Hash, length int) {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(length))
	digest.Write(buf[:])
}
