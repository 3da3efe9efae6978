// ABOUTME: Per-agent session state shared by the core control-plane operations.
// ABOUTME: Holds platform tags, transport state, the module registry, and the connection lock.

package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nightjar-sec/nightjar/internal/errs"
)

// OSFamily identifies the remote host's operating system family.
type OSFamily int

const (
	FamilyOther OSFamily = iota
	FamilyWindows
	FamilyLinux
)

// String returns the lowercase family name.
func (f OSFamily) String() string {
	switch f {
	case FamilyWindows:
		return "windows"
	case FamilyLinux:
		return "linux"
	default:
		return "other"
	}
}

// ParseFamily maps a reported platform string onto an OSFamily. Unrecognized
// input maps to FamilyOther so callers can fall back explicitly.
func ParseFamily(s string) OSFamily {
	switch {
	case strings.Contains(strings.ToLower(s), "win"):
		return FamilyWindows
	case strings.Contains(strings.ToLower(s), "linux"):
		return FamilyLinux
	default:
		return FamilyOther
	}
}

// Arch identifies the agent process's pointer width.
type Arch int

const (
	ArchUnknown Arch = iota
	Arch32
	Arch64
)

// String returns the wire tag for the architecture.
func (a Arch) String() string {
	switch a {
	case Arch32:
		return "x86"
	case Arch64:
		return "x64"
	default:
		return "unknown"
	}
}

// SuffixFor maps an (OS family, architecture) pair onto the binary-suffix
// tag that selects module artifact variants. The mapping is total over the
// supported pairs; ok is false for anything else and callers keep their
// previous tag.
func SuffixFor(family OSFamily, arch Arch) (string, bool) {
	switch {
	case family == FamilyWindows && arch == Arch64:
		return "x64.dll", true
	case family == FamilyWindows && arch == Arch32:
		return "x86.dll", true
	case family == FamilyLinux:
		return "lso", true
	default:
		return "", false
	}
}

// TransportState describes the agent's live transport.
type TransportState struct {
	Scheme  string // "tcp", "http", "https"
	URL     string
	Polling bool // remote-initiated polling vs persistent connection
	TLS     bool

	// Polling transport parameters, carried so migration can patch them
	// into a freshly built stager.
	CommTimeout   uint32
	SessionExpiry uint32
	UserAgent     string
	ProxyHost     string
	ProxyUser     string
	ProxyPass     string
	CertHash      []byte
}

// Negotiator is the swappable encryption context of the session's transport.
// Reset drops it to the plain pre-negotiation state; Negotiate establishes
// fresh keys against whatever process is now on the far end.
type Negotiator interface {
	Reset()
	Negotiate(ctx context.Context) error
}

// Reader controls the session's background response reader. It must be
// stopped before, and restarted after, any swap of the encryption context.
type Reader interface {
	Stop()
	Start()
}

// Session is the per-agent state record mutated by every core operation.
// It is created at connection establishment by the owning session manager
// and passed by reference into the core components.
type Session struct {
	UUID      uuid.UUID // zero until the agent reports or derives one
	Family    OSFamily
	Arch      Arch
	SuffixTag string

	Compression bool // negotiated payload compression capability
	KeepAlive   bool
	Transport   TransportState
	Crypto      Negotiator
	Reader      Reader

	alive   bool
	aliveMu sync.Mutex

	connMu sync.Mutex // serializes command traffic during encryption swaps

	mu      sync.RWMutex
	modules map[string][]string

	logger *slog.Logger
}

// New creates a live session with the given platform identity.
func New(family OSFamily, arch Arch, logger *slog.Logger) *Session {
	suffix, _ := SuffixFor(family, arch)
	return &Session{
		Family:    family,
		Arch:      arch,
		SuffixTag: suffix,
		alive:     true,
		modules:   make(map[string][]string),
		logger:    logger,
	}
}

// RegisterModule records a loaded module and the command identifiers it
// exposes. The name is lower-cased; re-registering overwrites. An empty
// command set removes the record so a registered module always has a
// non-empty set.
func (s *Session) RegisterModule(name string, commands []string) {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(commands) == 0 {
		delete(s.modules, name)
		return
	}
	cp := make([]string, len(commands))
	copy(cp, commands)
	s.modules[name] = cp

	s.logger.Info("module registered",
		"module", name,
		"commands", len(cp),
		"total_modules", len(s.modules),
	)
}

// ModuleCommands returns the command set of a registered module.
func (s *Session) ModuleCommands(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cmds, ok := s.modules[strings.ToLower(name)]
	return cmds, ok
}

// Modules returns the registered module names in sorted order.
func (s *Session) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LockConn acquires the connection-serialization lock. While held, no other
// command may be dispatched on the session.
func (s *Session) LockConn() { s.connMu.Lock() }

// UnlockConn releases the connection-serialization lock.
func (s *Session) UnlockConn() { s.connMu.Unlock() }

// Alive reports whether the session is still usable.
func (s *Session) Alive() bool {
	s.aliveMu.Lock()
	defer s.aliveMu.Unlock()
	return s.alive
}

// MarkDead transitions the session to its terminal unusable state. Further
// operations must fail without attempting transmission.
func (s *Session) MarkDead(reason string) {
	s.aliveMu.Lock()
	defer s.aliveMu.Unlock()

	if s.alive {
		s.alive = false
		s.logger.Error("session marked dead", "reason", reason)
	}
}

// EnsureAlive returns a FatalSessionError if the session has been marked
// dead.
func (s *Session) EnsureAlive() error {
	if !s.Alive() {
		return &errs.FatalSessionError{Reason: "session previously invalidated"}
	}
	return nil
}

// Retag recomputes the platform identity after migration. Unrecognized
// families keep the pre-migration tags.
func (s *Session) Retag(family OSFamily, arch Arch) {
	suffix, ok := SuffixFor(family, arch)
	if !ok {
		s.logger.Warn("unrecognized platform after migration, keeping prior tags",
			"family", family.String(), "arch", arch.String())
		return
	}
	s.Family = family
	s.Arch = arch
	s.SuffixTag = suffix
}
