// ABOUTME: Default certificate hashing for TLS pinning.
// ABOUTME: Hashes the DER body of a PEM or raw DER certificate file with SHA-1.

package transport

import (
	"crypto/sha1"
	"encoding/pem"
	"os"
)

// SHA1Hasher is the default CertHasher. Agents compare the SHA-1 of the
// presented certificate's DER encoding against the pinned value.
type SHA1Hasher struct{}

// Hash reads the certificate at path and returns the SHA-1 of its DER body.
// PEM input is decoded first; anything else is hashed as raw DER.
func (SHA1Hasher) Hash(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	sum := sha1.Sum(data)
	return sum[:], nil
}
