// ABOUTME: In-memory fake agent channel for tests and the loopback simulator.
// ABOUTME: Scriptable per-command handlers with full request recording.

package fakeagent

import (
	"context"
	"sync"
	"time"

	"github.com/nightjar-sec/nightjar/internal/tlv"
)

// Handler answers one command. Returning (nil, nil) simulates a successful
// round trip with no response; a non-nil error simulates a delivery failure.
type Handler func(req *tlv.Request) (*tlv.Response, error)

// FakeAgent implements tlv.Channel in memory. Commands without a handler
// succeed with an empty response.
type FakeAgent struct {
	mu       sync.Mutex
	calls    []*tlv.Request
	handlers map[string]Handler
}

// New creates an empty fake agent.
func New() *FakeAgent {
	return &FakeAgent{handlers: make(map[string]Handler)}
}

// Handle installs a handler for a command.
func (f *FakeAgent) Handle(cmd string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
}

// Respond installs a fixed response for a command.
func (f *FakeAgent) Respond(cmd string, resp *tlv.Response) {
	f.Handle(cmd, func(*tlv.Request) (*tlv.Response, error) { return resp, nil })
}

// FailWith makes a command fail at the delivery layer.
func (f *FakeAgent) FailWith(cmd string, err error) {
	f.Handle(cmd, func(*tlv.Request) (*tlv.Response, error) { return nil, err })
}

// Send implements tlv.Channel.
func (f *FakeAgent) Send(_ context.Context, req *tlv.Request) error {
	_, err := f.dispatch(req)
	return err
}

// SendAndAwait implements tlv.Channel.
func (f *FakeAgent) SendAndAwait(_ context.Context, req *tlv.Request, _ time.Duration) (*tlv.Response, error) {
	return f.dispatch(req)
}

func (f *FakeAgent) dispatch(req *tlv.Request) (*tlv.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handlers[req.Command]
	f.mu.Unlock()

	if h != nil {
		return h(req)
	}
	return &tlv.Response{ResultCode: tlv.ResultSuccess}, nil
}

// Calls returns the recorded requests for a command, in order.
func (f *FakeAgent) Calls(cmd string) []*tlv.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*tlv.Request
	for _, req := range f.calls {
		if req.Command == cmd {
			out = append(out, req)
		}
	}
	return out
}

// CallCount returns how many times a command was dispatched.
func (f *FakeAgent) CallCount(cmd string) int {
	return len(f.Calls(cmd))
}

// NoopReader is a background reader stand-in that tracks its running state.
type NoopReader struct {
	mu      sync.Mutex
	Running bool
	Stops   int
	Starts  int
}

func (r *NoopReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Running = false
	r.Stops++
}

func (r *NoopReader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Running = true
	r.Starts++
}

// NoopNegotiator is an encryption negotiator stand-in. A non-nil Err makes
// every negotiation fail; Delay simulates a slow handshake.
type NoopNegotiator struct {
	mu         sync.Mutex
	Err        error
	Delay      time.Duration
	Resets     int
	Negotiated int
}

func (n *NoopNegotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Resets++
}

func (n *NoopNegotiator) Negotiate(ctx context.Context) error {
	if n.Delay > 0 {
		select {
		case <-time.After(n.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Negotiated++
	return nil
}
