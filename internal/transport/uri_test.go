// ABOUTME: Tests for checksum-tagged URI generation.
// ABOUTME: Verifies the byte-sum class, UUID embedding, and platform stamping.

package transport

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectURIChecksum(t *testing.T) {
	for range 32 {
		uri := ConnectURI(uuid.New())
		assert.Equal(t, URIChecksumConn, byteSum(uri)%0x100, "uri %q", uri)
	}
}

func TestConnectURIEmbedsUUID(t *testing.T) {
	u := uuid.New()
	uri := ConnectURI(u)

	encoded := base64.RawURLEncoding.EncodeToString(u[:])
	require.True(t, strings.HasPrefix(uri, encoded))

	decoded, err := base64.RawURLEncoding.DecodeString(uri[:len(encoded)])
	require.NoError(t, err)
	assert.Equal(t, u[:], decoded)
}

func TestDeriveSessionUUID(t *testing.T) {
	u := DeriveSessionUUID(1, 2)
	assert.Equal(t, byte(1), u[14])
	assert.Equal(t, byte(2), u[15])

	// Fresh derivations must differ.
	assert.NotEqual(t, u, DeriveSessionUUID(1, 2))
}
