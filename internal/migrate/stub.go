// ABOUTME: Stub payload handling for migration — rendezvous path patching and ELF entry extraction.
// ABOUTME: Stub byte generation itself is a collaborator; only patching and parsing live here.

package migrate

import (
	"bytes"
	"debug/elf"
	"math/rand/v2"

	"github.com/nightjar-sec/nightjar/internal/errs"
	"github.com/nightjar-sec/nightjar/internal/session"
)

// UnixPathMax is the size of sockaddr_un.sun_path; one byte is reserved for
// the terminating null, so 107 is the longest usable rendezvous path.
const (
	UnixPathMax     = 108
	MaxRendezvous   = UnixPathMax - 1
	placeholderPath = "/tmp/nightjar.rendezvous.sock"
)

// TransportPatch carries the live transport parameters patched into a
// freshly built stager when the session rides a polling transport.
type TransportPatch struct {
	TLS           bool
	URL           string
	SessionExpiry uint32
	CommTimeout   uint32
	UserAgent     string
	ProxyHost     string
	ProxyUser     string
	ProxyPass     string
}

// StubBuilder constructs the platform-specific executable stub. Windows
// targets get a reflective-injection stager embedding the correctly sized
// core agent artifact; patch is non-nil when transport parameters must be
// baked in.
type StubBuilder interface {
	BuildStager(arch session.Arch, patch *TransportPatch) ([]byte, error)
}

// BootstrapStore provides the precompiled Linux bootstrap artifact.
type BootstrapStore interface {
	Bootstrap() ([]byte, error)
}

// randRendezvousName returns a random lowercase name of 5 to 9 characters.
func randRendezvousName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	n := 5 + rand.IntN(5)
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

// patchRendezvous overwrites the stub's placeholder rendezvous path with the
// generated one plus a terminating null, in place. The buffer length never
// changes. The caller must have validated the path length already.
func patchRendezvous(stub []byte, rendezvous string) error {
	idx := bytes.Index(stub, []byte(placeholderPath))
	if idx < 0 {
		return errs.Validation("migrate", "corrupt payload: rendezvous placeholder not found")
	}
	copy(stub[idx:], append([]byte(rendezvous), 0))
	return nil
}

// extractEntryPoint parses the patched stub as an ELF image and returns its
// runtime entry point address.
func extractEntryPoint(stub []byte) (uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(stub))
	if err != nil {
		return 0, errs.Validation("migrate", "corrupt payload: %v", err)
	}
	return f.Entry, nil
}
