// ABOUTME: Typed-value request/response model and the Channel boundary interface.
// ABOUTME: The wire codec itself lives outside this module; only the shapes are owned here.

package tlv

import (
	"context"
	"iter"
	"time"
)

// Kind tags a typed value carried in a request or response.
type Kind uint32

// Value kinds used by the core command set.
const (
	KindExtensionName Kind = 0x1001
	KindCommandID     Kind = 0x1002
	KindLibraryPath   Kind = 0x1101
	KindTargetPath    Kind = 0x1102
	KindLoadFlags     Kind = 0x1103
	KindLibraryData   Kind = 0x1104
	KindMachineID     Kind = 0x1201

	KindTransportType Kind = 0x1301
	KindTransportURL  Kind = 0x1302
	KindCommTimeout   Kind = 0x1303
	KindSessionExpiry Kind = 0x1304
	KindUserAgent     Kind = 0x1305
	KindCertHash      Kind = 0x1306
	KindProxyHost     Kind = 0x1307
	KindProxyUser     Kind = 0x1308
	KindProxyPass     Kind = 0x1309

	KindMigratePID        Kind = 0x1401
	KindMigrateLen        Kind = 0x1402
	KindMigratePayload    Kind = 0x1403
	KindMigrateArch       Kind = 0x1404
	KindMigrateBaseAddr   Kind = 0x1405
	KindMigrateEntryPoint Kind = 0x1406
	KindMigrateSockPath   Kind = 0x1407
)

// Command identifiers the session core sends.
const (
	CmdEnumExtCmd      = "core_enumextcmd"
	CmdLoadLib         = "core_loadlib"
	CmdMachineID       = "core_machine_id"
	CmdTransportChange = "core_transport_change"
	CmdSetCertHash     = "core_set_cert_hash"
	CmdGetCertHash     = "core_get_cert_hash"
	CmdMigrate         = "core_migrate"
	CmdShutdown        = "core_shutdown"
)

// Wire flags for the load-module command. The Loader composes these from its
// named option fields; nothing else in the core does bit arithmetic on them.
const (
	LoadFlagOnDisk    uint32 = 1 << 0
	LoadFlagExtension uint32 = 1 << 1
	LoadFlagLocal     uint32 = 1 << 2
)

// ResultSuccess is the zero result code of a successful remote operation.
const ResultSuccess uint32 = 0

// Value is one typed value inside a request or response. Compress asks the
// channel's codec to compress Data on the wire when the agent negotiated
// that capability; it is advisory and ignored by codecs without support.
type Value struct {
	Kind     Kind
	Data     any
	Compress bool
}

// Request is a named command plus its typed values.
type Request struct {
	Command string
	Values  []Value
}

// NewRequest creates a request for the given command.
func NewRequest(command string) *Request {
	return &Request{Command: command}
}

// Add appends a typed value to the request.
func (r *Request) Add(kind Kind, data any) *Request {
	r.Values = append(r.Values, Value{Kind: kind, Data: data})
	return r
}

// AddCompressed appends a typed value flagged for on-wire compression.
func (r *Request) AddCompressed(kind Kind, data any) *Request {
	r.Values = append(r.Values, Value{Kind: kind, Data: data, Compress: true})
	return r
}

// Response is a correlated reply: a result code plus typed values.
type Response struct {
	ResultCode uint32
	Values     []Value
}

// Get returns the first value of the given kind.
func (r *Response) Get(kind Kind) (Value, bool) {
	for _, v := range r.Values {
		if v.Kind == kind {
			return v, true
		}
	}
	return Value{}, false
}

// GetString returns the first value of the given kind as a string, or "" if
// absent or not a string.
func (r *Response) GetString(kind Kind) string {
	if v, ok := r.Get(kind); ok {
		if s, ok := v.Data.(string); ok {
			return s
		}
	}
	return ""
}

// Each iterates all values of the given kind in order.
func (r *Response) Each(kind Kind) iter.Seq[Value] {
	return func(yield func(Value) bool) {
		for _, v := range r.Values {
			if v.Kind == kind && !yield(v) {
				return
			}
		}
	}
}

// Strings collects all values of the given kind as strings.
func (r *Response) Strings(kind Kind) []string {
	var out []string
	for v := range r.Each(kind) {
		if s, ok := v.Data.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DefaultTimeout is the channel-level response wait used when a caller does
// not override it.
const DefaultTimeout = 30 * time.Second

// Channel transmits requests to the remote agent. Implementations own the
// wire encoding, correlation, and the transport socket.
//
// Send transmits without waiting for a reply. SendAndAwait blocks for the
// correlated response up to the timeout (zero means DefaultTimeout); it
// returns a non-nil error only for a delivery failure, and (nil, nil) when
// the round trip succeeded but no response arrived — callers that require a
// response must treat the two outcomes distinctly.
type Channel interface {
	Send(ctx context.Context, req *Request) error
	SendAndAwait(ctx context.Context, req *Request, timeout time.Duration) (*Response, error)
}
