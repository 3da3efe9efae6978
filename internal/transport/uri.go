// ABOUTME: Checksum-tagged URI generation for polling transports.
// ABOUTME: Encodes the session UUID into a path segment the listener can classify by byte sum.

package transport

import (
	"encoding/base64"
	"math/rand/v2"

	"github.com/google/uuid"
)

// URIChecksumConn is the byte-sum class (mod 256) that marks a path segment
// as an established-session connect URI.
const URIChecksumConn = 98

const uriAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ConnectURI builds a path segment embedding the session UUID whose byte sum
// modulo 256 equals URIChecksumConn. The UUID payload is base64url encoded
// and padded with random alphanumerics until the checksum class matches.
func ConnectURI(u uuid.UUID) string {
	base := base64.RawURLEncoding.EncodeToString(u[:])

	for {
		candidate := base + randText(5)
		if byteSum(candidate)%0x100 == URIChecksumConn {
			return candidate
		}
	}
}

// DeriveSessionUUID mints a fresh session UUID stamping the platform
// identity into the trailing bytes, for agents that never reported one.
func DeriveSessionUUID(familyCode, archCode byte) uuid.UUID {
	u := uuid.New()
	u[14] = familyCode
	u[15] = archCode
	return u
}

func randText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = uriAlphabet[rand.IntN(len(uriAlphabet))]
	}
	return string(b)
}

func byteSum(s string) int {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i])
	}
	return sum
}
