// ABOUTME: Transport Manager — switches the agent's live transport and manages TLS pinning.
// ABOUTME: Transport changes are fire-and-forget since the call may tear down the connection.

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nightjar-sec/nightjar/internal/errs"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/tlv"
)

// Kind names a transport the agent can switch to.
type Kind string

const (
	ReverseTCP   Kind = "reverse_tcp"
	ReverseHTTP  Kind = "reverse_http"
	ReverseHTTPS Kind = "reverse_https"
	BindTCP      Kind = "bind_tcp"
)

// Transport parameter defaults.
const (
	DefaultCommTimeout   uint32 = 300    // seconds
	DefaultSessionExpiry uint32 = 604800 // seconds, 7 days
	DefaultUserAgent            = "Mozilla/4.0 (compatible; MSIE 6.1; Windows NT)"
)

// scheme returns the URL scheme for a transport kind, and whether the kind
// is one of the four supported names.
func (k Kind) scheme() (string, bool) {
	switch k {
	case ReverseTCP, BindTCP:
		return "tcp", true
	case ReverseHTTP:
		return "http", true
	case ReverseHTTPS:
		return "https", true
	default:
		return "", false
	}
}

// reverse reports whether the kind requires a destination host.
func (k Kind) reverse() bool { return k != BindTCP }

// polling reports whether the kind is a remote-initiated polling transport.
func (k Kind) polling() bool { return k == ReverseHTTP || k == ReverseHTTPS }

// Options describe the transport to switch to.
type Options struct {
	Kind Kind
	Host string // destination host; ignored for bind transports
	Port uint16

	// Polling transport tuning; zero values take the package defaults.
	CommTimeout   uint32
	SessionExpiry uint32
	UserAgent     string

	// CertPath pins the TLS certificate at this local path (https only).
	CertPath string

	ProxyHost string
	ProxyPort uint16
	ProxyKind string // "http" or "socks"
	ProxyUser string
	ProxyPass string
}

// CertHasher computes the pinnable hash of a locally held certificate.
type CertHasher interface {
	Hash(path string) ([]byte, error)
}

// Manager switches the live transport of one agent session.
type Manager struct {
	ch     tlv.Channel
	sess   *session.Session
	hasher CertHasher
	logger *slog.Logger
}

// NewManager creates a Manager bound to one agent session. A nil hasher
// falls back to the SHA-1 implementation.
func NewManager(ch tlv.Channel, sess *session.Session, hasher CertHasher, logger *slog.Logger) *Manager {
	if hasher == nil {
		hasher = SHA1Hasher{}
	}
	return &Manager{ch: ch, sess: sess, hasher: hasher, logger: logger}
}

// ChangeTransport tells the agent to switch transports. The request is sent
// without waiting for acknowledgment: the switch may tear down the very
// connection the acknowledgment would ride on. On success the session's
// transport state reflects the new descriptor.
func (m *Manager) ChangeTransport(ctx context.Context, opts Options) error {
	scheme, ok := opts.Kind.scheme()
	if !ok {
		return errs.Validation("transport_change", "unknown transport kind %q", opts.Kind)
	}
	if opts.Port == 0 {
		return errs.Validation("transport_change", "port is required")
	}

	host := opts.Host
	if !opts.Kind.reverse() {
		// Bind transports listen on the agent; any supplied destination
		// host is dropped.
		host = ""
	} else if host == "" {
		return errs.Validation("transport_change", "%s requires a destination host", opts.Kind)
	}

	url := fmt.Sprintf("%s://%s:%d", scheme, host, opts.Port)
	state := session.TransportState{
		Scheme:  scheme,
		Polling: opts.Kind.polling(),
		TLS:     opts.Kind == ReverseHTTPS || scheme == "tcp",
	}

	req := tlv.NewRequest(tlv.CmdTransportChange).Add(tlv.KindTransportType, scheme)

	if opts.Kind.polling() {
		url += "/" + ConnectURI(m.sessionUUID()) + "/"

		commTimeout := opts.CommTimeout
		if commTimeout == 0 {
			commTimeout = DefaultCommTimeout
		}
		expiry := opts.SessionExpiry
		if expiry == 0 {
			expiry = DefaultSessionExpiry
		}
		ua := opts.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}

		req.Add(tlv.KindCommTimeout, commTimeout).
			Add(tlv.KindSessionExpiry, expiry).
			Add(tlv.KindUserAgent, ua)

		state.CommTimeout = commTimeout
		state.SessionExpiry = expiry
		state.UserAgent = ua

		if opts.Kind == ReverseHTTPS && opts.CertPath != "" {
			hash, err := m.hasher.Hash(opts.CertPath)
			if err != nil {
				return &errs.IOError{Path: opts.CertPath, Err: err}
			}
			req.Add(tlv.KindCertHash, hash)
			state.CertHash = hash
		}

		if opts.ProxyHost != "" && opts.ProxyPort != 0 {
			prefix := "http://"
			if opts.ProxyKind == "socks" {
				prefix = "socks="
			}
			proxy := fmt.Sprintf("%s%s:%d", prefix, opts.ProxyHost, opts.ProxyPort)
			req.Add(tlv.KindProxyHost, proxy)
			state.ProxyHost = proxy

			if opts.ProxyUser != "" {
				req.Add(tlv.KindProxyUser, opts.ProxyUser)
				state.ProxyUser = opts.ProxyUser
			}
			if opts.ProxyPass != "" {
				req.Add(tlv.KindProxyPass, opts.ProxyPass)
				state.ProxyPass = opts.ProxyPass
			}
		}
	}

	req.Add(tlv.KindTransportURL, url)
	state.URL = url

	if err := m.ch.Send(ctx, req); err != nil {
		return errs.Protocol("transport_change", "sending request: %v", err)
	}

	m.sess.Transport = state
	m.logger.Info("transport change dispatched", "kind", string(opts.Kind), "url", url)
	return nil
}

// sessionUUID returns the agent's session UUID, deriving and recording a
// fresh one from the platform identity if the agent never reported one.
func (m *Manager) sessionUUID() uuid.UUID {
	if m.sess.UUID != (uuid.UUID{}) {
		return m.sess.UUID
	}
	m.sess.UUID = DeriveSessionUUID(byte(m.sess.Family), byte(m.sess.Arch))
	return m.sess.UUID
}

// pinnable reports whether cert pinning applies to the current transport:
// only persistent TCP with TLS qualifies.
func (m *Manager) pinnable() bool {
	t := m.sess.Transport
	return t.Scheme == "tcp" && t.TLS && !t.Polling
}

// EnableCertPin hashes the certificate at the given local path and pins it
// on the agent. No-op unless the live transport is persistent TCP+TLS.
func (m *Manager) EnableCertPin(ctx context.Context, certPath string) error {
	if !m.pinnable() {
		return nil
	}

	hash, err := m.hasher.Hash(certPath)
	if err != nil {
		return &errs.IOError{Path: certPath, Err: err}
	}

	req := tlv.NewRequest(tlv.CmdSetCertHash).Add(tlv.KindCertHash, hash)
	resp, err := m.ch.SendAndAwait(ctx, req, 0)
	if err != nil {
		return errs.Protocol("set_cert_hash", "sending request: %v", err)
	}
	if resp != nil && resp.ResultCode != tlv.ResultSuccess {
		return errs.RemoteResult("set_cert_hash", resp.ResultCode)
	}

	m.sess.Transport.CertHash = hash
	m.logger.Info("certificate pin enabled", "cert", certPath)
	return nil
}

// DisableCertPin clears any pinned certificate hash on the agent. No-op
// unless the live transport is persistent TCP+TLS.
func (m *Manager) DisableCertPin(ctx context.Context) error {
	if !m.pinnable() {
		return nil
	}

	req := tlv.NewRequest(tlv.CmdSetCertHash).Add(tlv.KindCertHash, []byte(nil))
	resp, err := m.ch.SendAndAwait(ctx, req, 0)
	if err != nil {
		return errs.Protocol("set_cert_hash", "sending request: %v", err)
	}
	if resp != nil && resp.ResultCode != tlv.ResultSuccess {
		return errs.RemoteResult("set_cert_hash", resp.ResultCode)
	}

	m.sess.Transport.CertHash = nil
	m.logger.Info("certificate pin disabled")
	return nil
}

// GetCertPin returns the hash currently pinned on the agent, or nil when
// the transport does not support pinning or nothing is pinned.
func (m *Manager) GetCertPin(ctx context.Context) ([]byte, error) {
	if !m.pinnable() {
		return nil, nil
	}

	req := tlv.NewRequest(tlv.CmdGetCertHash)
	resp, err := m.ch.SendAndAwait(ctx, req, 0)
	if err != nil {
		return nil, errs.Protocol("get_cert_hash", "sending request: %v", err)
	}
	if resp == nil {
		return nil, errs.Protocol("get_cert_hash", "no response")
	}
	if resp.ResultCode != tlv.ResultSuccess {
		return nil, errs.RemoteResult("get_cert_hash", resp.ResultCode)
	}

	if v, ok := resp.Get(tlv.KindCertHash); ok {
		if b, ok := v.Data.([]byte); ok {
			return b, nil
		}
	}
	return nil, nil
}
