// ABOUTME: Tests for the Migration Orchestrator state machine.
// ABOUTME: Covers target validation, stub handling, both handoff branches, and the dead path.

package migrate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightjar-sec/nightjar/internal/errs"
	"github.com/nightjar-sec/nightjar/internal/extension"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/tlv"
)

// fakeChannel is a local in-memory channel; migrate's own fakes avoid an
// import cycle with the shared fakeagent package.
type fakeChannel struct {
	mu       sync.Mutex
	calls    []*tlv.Request
	handlers map[string]func(*tlv.Request) (*tlv.Response, error)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]func(*tlv.Request) (*tlv.Response, error))}
}

func (c *fakeChannel) handle(cmd string, h func(*tlv.Request) (*tlv.Response, error)) {
	c.handlers[cmd] = h
}

func (c *fakeChannel) dispatch(req *tlv.Request) (*tlv.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	h := c.handlers[req.Command]
	c.mu.Unlock()

	if h != nil {
		return h(req)
	}
	return &tlv.Response{ResultCode: tlv.ResultSuccess}, nil
}

func (c *fakeChannel) Send(_ context.Context, req *tlv.Request) error {
	_, err := c.dispatch(req)
	return err
}

func (c *fakeChannel) SendAndAwait(_ context.Context, req *tlv.Request, _ time.Duration) (*tlv.Response, error) {
	return c.dispatch(req)
}

func (c *fakeChannel) count(cmd string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, req := range c.calls {
		if req.Command == cmd {
			n++
		}
	}
	return n
}

func (c *fakeChannel) last(cmd string) *tlv.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].Command == cmd {
			return c.calls[i]
		}
	}
	return nil
}

type fakeQuery struct {
	procs []ProcessInfo
	pid   int
	dirs  map[string]bool
	env   map[string]string
}

func (q *fakeQuery) Processes(context.Context) ([]ProcessInfo, error) { return q.procs, nil }
func (q *fakeQuery) CurrentPID(context.Context) (int, error)         { return q.pid, nil }
func (q *fakeQuery) StatIsDir(_ context.Context, path string) (bool, error) {
	return q.dirs[path], nil
}
func (q *fakeQuery) GetEnv(_ context.Context, name string) (string, error) {
	return q.env[name], nil
}

type fakeArtifacts struct {
	bootstrap []byte
	err       error
}

func (a *fakeArtifacts) Resolve(module, suffix string) (string, bool) {
	return "local/ext_server_" + module + "." + suffix, true
}

func (a *fakeArtifacts) Read(path string) ([]byte, error) {
	return []byte("module artifact"), nil
}

func (a *fakeArtifacts) Bootstrap() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	// Fresh copy: patching must not leak across calls.
	cp := make([]byte, len(a.bootstrap))
	copy(cp, a.bootstrap)
	return cp, nil
}

type fakeStubs struct {
	mu      sync.Mutex
	calls   []session.Arch
	patches []*TransportPatch
	stub    []byte
}

func (s *fakeStubs) BuildStager(arch session.Arch, patch *TransportPatch) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, arch)
	s.patches = append(s.patches, patch)
	return s.stub, nil
}

type fakeReader struct {
	mu      sync.Mutex
	running bool
	stops   int
	starts  int
}

func (r *fakeReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.stops++
}

func (r *fakeReader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	r.starts++
}

type fakeCrypto struct {
	mu         sync.Mutex
	err        error
	resets     int
	negotiated int
}

func (c *fakeCrypto) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

func (c *fakeCrypto) Negotiate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.negotiated++
	return nil
}

// rendezvousRegion mimics the bootstrap's sun_path buffer: the placeholder
// path followed by nulls out to the full 108-byte field.
func rendezvousRegion() []byte {
	region := make([]byte, UnixPathMax)
	copy(region, placeholderPath)
	return region
}

type world struct {
	orch   *Orchestrator
	sess   *session.Session
	ch     *fakeChannel
	query  *fakeQuery
	stubs  *fakeStubs
	reader *fakeReader
	crypto *fakeCrypto
	store  *fakeArtifacts
}

func newWorld(t *testing.T, family session.OSFamily) *world {
	t.Helper()

	ch := newFakeChannel()
	// Process enumeration capability is already present on the agent.
	ch.handle(tlv.CmdEnumExtCmd, func(*tlv.Request) (*tlv.Response, error) {
		return &tlv.Response{
			ResultCode: tlv.ResultSuccess,
			Values:     []tlv.Value{{Kind: tlv.KindCommandID, Data: "proc_list"}},
		}, nil
	})

	sess := session.New(family, session.Arch64, slog.Default())
	sess.KeepAlive = true
	sess.Transport = session.TransportState{Scheme: "tcp", TLS: true}

	reader := &fakeReader{running: true}
	crypto := &fakeCrypto{}
	sess.Reader = reader
	sess.Crypto = crypto

	query := &fakeQuery{
		pid: 100,
		procs: []ProcessInfo{
			{PID: 100, Arch: "x64", Name: "agent"},
			{PID: 200, Arch: "x64", Name: "target64"},
			{PID: 300, Arch: "x86", Name: "target32"},
			{PID: 400, Arch: "", Name: "guarded"},
			{PID: 500, Arch: "mips", Name: "weird"},
		},
		dirs: map[string]bool{"/tmp": true},
		env:  map[string]string{},
	}

	store := &fakeArtifacts{bootstrap: minimalELF(LinuxBaseAddr+0x4c0, rendezvousRegion())}
	stubs := &fakeStubs{stub: []byte("windows stager bytes")}

	loader := extension.NewLoader(ch, sess, store, slog.Default())
	orch := NewOrchestrator(ch, sess, loader, query, stubs, store, slog.Default())
	orch.grace = 0 // tests must not sleep the polling window

	return &world{orch: orch, sess: sess, ch: ch, query: query,
		stubs: stubs, reader: reader, crypto: crypto, store: store}
}

func TestMigrateTargetValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("self pid rejected without migrate traffic", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)

		err := w.orch.Migrate(ctx, Options{PID: 100})
		var validation *errs.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Zero(t, w.ch.count(tlv.CmdMigrate))
		assert.Equal(t, 1, w.ch.count(tlv.CmdEnumExtCmd), "only the capability check reached the wire")
		assert.True(t, w.sess.KeepAlive, "keep-alive restored on abort")
	})

	t.Run("unknown pid rejected", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)

		err := w.orch.Migrate(ctx, Options{PID: 9999})
		var validation *errs.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Zero(t, w.ch.count(tlv.CmdMigrate))
	})

	t.Run("windows target without reported arch means no privilege", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)

		err := w.orch.Migrate(ctx, Options{PID: 400})
		var validation *errs.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, err.Error(), "privilege")
	})

	t.Run("unsupported architecture rejected", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)

		err := w.orch.Migrate(ctx, Options{PID: 500})
		var validation *errs.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("unsupported family", func(t *testing.T) {
		w := newWorld(t, session.FamilyOther)

		err := w.orch.Migrate(ctx, Options{PID: 200})
		var platform *errs.PlatformError
		require.ErrorAs(t, err, &platform)
		assert.Zero(t, w.ch.count(tlv.CmdMigrate))
	})

	t.Run("dead session fails before any traffic", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)
		w.sess.MarkDead("previous failure")

		err := w.orch.Migrate(ctx, Options{PID: 200})
		var fatal *errs.FatalSessionError
		require.ErrorAs(t, err, &fatal)
		assert.Zero(t, len(w.ch.calls))
	})
}

func TestMigrateWindowsPersistent(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, session.FamilyWindows)
	w.sess.Arch = session.Arch32
	w.sess.SuffixTag = "x86.dll"
	w.sess.RegisterModule("stdapi", []string{"proc_list"})

	require.NoError(t, w.orch.Migrate(ctx, Options{PID: 200}))

	// Stub built for the target architecture, no transport patch on a
	// persistent transport.
	require.Len(t, w.stubs.calls, 1)
	assert.Equal(t, session.Arch64, w.stubs.calls[0])
	assert.Nil(t, w.stubs.patches[0])

	req := w.ch.last(tlv.CmdMigrate)
	require.NotNil(t, req)
	assert.Equal(t, uint32(200), reqData(t, req, tlv.KindMigratePID))
	assert.Equal(t, uint32(len(w.stubs.stub)), reqData(t, req, tlv.KindMigrateLen))
	assert.Equal(t, "x64", reqData(t, req, tlv.KindMigrateArch))
	_, hasSock := reqLookup(req, tlv.KindMigrateSockPath)
	assert.False(t, hasSock, "no rendezvous values on windows")

	// Persistent handoff: reader cycled, crypto rebuilt.
	assert.Equal(t, 1, w.reader.stops)
	assert.Equal(t, 1, w.reader.starts)
	assert.True(t, w.reader.running)
	assert.Equal(t, 1, w.crypto.resets)
	assert.Equal(t, 1, w.crypto.negotiated)

	// Platform retag and module reload under the new identity.
	assert.Equal(t, session.Arch64, w.sess.Arch)
	assert.Equal(t, "x64.dll", w.sess.SuffixTag)
	assert.GreaterOrEqual(t, w.ch.count(tlv.CmdEnumExtCmd), 2, "modules re-used after migration")

	assert.True(t, w.sess.KeepAlive, "keep-alive restored")
	assert.True(t, w.sess.Alive())
}

func TestMigrateWindowsPollingPatch(t *testing.T) {
	w := newWorld(t, session.FamilyWindows)
	w.sess.Transport = session.TransportState{
		Scheme:        "https",
		Polling:       true,
		TLS:           true,
		URL:           "https://10.0.0.1:443/abc/",
		CommTimeout:   300,
		SessionExpiry: 604800,
		UserAgent:     "legacy-ua",
		ProxyHost:     "http://proxy:3128",
	}

	require.NoError(t, w.orch.Migrate(context.Background(), Options{PID: 200}))

	require.Len(t, w.stubs.patches, 1)
	patch := w.stubs.patches[0]
	require.NotNil(t, patch, "polling transports patch parameters into the stager")
	assert.True(t, patch.TLS)
	assert.Equal(t, "https://10.0.0.1:443/abc/", patch.URL)
	assert.Equal(t, uint32(300), patch.CommTimeout)
	assert.Equal(t, "legacy-ua", patch.UserAgent)
	assert.Equal(t, "http://proxy:3128", patch.ProxyHost)

	// Polling handoff has no renegotiation.
	assert.Zero(t, w.crypto.resets)
	assert.Zero(t, w.reader.stops)
}

func TestMigrateLinux(t *testing.T) {
	ctx := context.Background()

	t.Run("success patches rendezvous and sends linux values", func(t *testing.T) {
		w := newWorld(t, session.FamilyLinux)

		require.NoError(t, w.orch.Migrate(ctx, Options{PID: 200}))

		req := w.ch.last(tlv.CmdMigrate)
		require.NotNil(t, req)
		assert.Equal(t, LinuxBaseAddr, reqData(t, req, tlv.KindMigrateBaseAddr))
		assert.Equal(t, LinuxBaseAddr+0x4c0, reqData(t, req, tlv.KindMigrateEntryPoint))

		sock := reqData(t, req, tlv.KindMigrateSockPath).(string)
		assert.True(t, strings.HasPrefix(sock, "/tmp/"))
		assert.LessOrEqual(t, len(sock), MaxRendezvous)

		payload := reqData(t, req, tlv.KindMigratePayload).([]byte)
		assert.Len(t, payload, len(w.store.bootstrap), "patching never resizes the stub")
		assert.Equal(t, uint32(len(w.store.bootstrap)), reqData(t, req, tlv.KindMigrateLen))
	})

	t.Run("TMPDIR fallback then /tmp", func(t *testing.T) {
		w := newWorld(t, session.FamilyLinux)
		w.query.env["TMPDIR"] = "/var/scratch"
		w.query.dirs["/var/scratch"] = true

		require.NoError(t, w.orch.Migrate(ctx, Options{PID: 200}))

		sock := reqData(t, w.ch.last(tlv.CmdMigrate), tlv.KindMigrateSockPath).(string)
		assert.True(t, strings.HasPrefix(sock, "/var/scratch/"))
	})

	t.Run("unusable scratch directory", func(t *testing.T) {
		w := newWorld(t, session.FamilyLinux)

		err := w.orch.Migrate(ctx, Options{PID: 200, ScratchDir: "/does/not/exist"})
		var validation *errs.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Zero(t, w.ch.count(tlv.CmdMigrate))
	})

	t.Run("oversized rendezvous path fails before patching", func(t *testing.T) {
		w := newWorld(t, session.FamilyLinux)
		// 103 chars of directory + "/" + >=5 char name is at least 109
		// bytes, over the 107 limit even for the shortest name.
		long := "/" + strings.Repeat("d", 102)
		w.query.dirs[long] = true
		// Remove the placeholder: if patching ran first this would report
		// corrupt payload instead of the length failure.
		w.store.bootstrap = minimalELF(0x1000, []byte("no placeholder"))

		err := w.orch.Migrate(ctx, Options{PID: 200, ScratchDir: long})
		var validation *errs.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, err.Error(), "too long")
		assert.Zero(t, w.ch.count(tlv.CmdMigrate))
	})

	t.Run("maximum length path is accepted", func(t *testing.T) {
		w := newWorld(t, session.FamilyLinux)
		// 97 chars of directory + "/" + <=9 char name is at most 107.
		dir := "/" + strings.Repeat("d", 96)
		w.query.dirs[dir] = true

		require.NoError(t, w.orch.Migrate(ctx, Options{PID: 200, ScratchDir: dir}))

		sock := reqData(t, w.ch.last(tlv.CmdMigrate), tlv.KindMigrateSockPath).(string)
		assert.LessOrEqual(t, len(sock), MaxRendezvous)
	})
}

func TestMigrateCompression(t *testing.T) {
	w := newWorld(t, session.FamilyWindows)
	w.sess.Compression = true

	require.NoError(t, w.orch.Migrate(context.Background(), Options{PID: 200}))

	v, ok := reqLookup(w.ch.last(tlv.CmdMigrate), tlv.KindMigratePayload)
	require.True(t, ok)
	assert.True(t, v.Compress)
}

func TestMigrateResponseFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no response", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)
		w.ch.handle(tlv.CmdMigrate, func(*tlv.Request) (*tlv.Response, error) { return nil, nil })

		err := w.orch.Migrate(ctx, Options{PID: 200})
		var protocol *errs.ProtocolError
		require.ErrorAs(t, err, &protocol)
	})

	t.Run("non-zero result", func(t *testing.T) {
		w := newWorld(t, session.FamilyWindows)
		w.ch.handle(tlv.CmdMigrate, func(*tlv.Request) (*tlv.Response, error) {
			return &tlv.Response{ResultCode: 31}, nil
		})

		err := w.orch.Migrate(ctx, Options{PID: 200})
		var protocol *errs.ProtocolError
		require.ErrorAs(t, err, &protocol)
		assert.Equal(t, uint32(31), protocol.Result)
	})
}

func TestMigrateRenegotiationFailure(t *testing.T) {
	w := newWorld(t, session.FamilyWindows)
	w.crypto.err = context.DeadlineExceeded

	err := w.orch.Migrate(context.Background(), Options{PID: 200})
	var fatal *errs.FatalSessionError
	require.ErrorAs(t, err, &fatal)

	// The session is terminal: the reader stays stopped and keep-alive
	// stays suspended.
	assert.False(t, w.sess.Alive())
	assert.Equal(t, 1, w.reader.stops)
	assert.Zero(t, w.reader.starts)
	assert.False(t, w.reader.running)
	assert.False(t, w.sess.KeepAlive)

	// Everything after that point fails fast.
	var fatal2 *errs.FatalSessionError
	require.ErrorAs(t, w.orch.Migrate(context.Background(), Options{PID: 200}), &fatal2)
}

func reqLookup(req *tlv.Request, kind tlv.Kind) (tlv.Value, bool) {
	for _, v := range req.Values {
		if v.Kind == kind {
			return v, true
		}
	}
	return tlv.Value{}, false
}

func reqData(t *testing.T, req *tlv.Request, kind tlv.Kind) any {
	t.Helper()

	v, ok := reqLookup(req, kind)
	if !ok {
		t.Fatalf("request %s has no value of kind %#x", req.Command, uint32(kind))
	}
	return v.Data
}
