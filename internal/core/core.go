// ABOUTME: Facade over the core command set of one agent session.
// ABOUTME: Gates every operation on session liveness and owns the shutdown handshake.

package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/nightjar-sec/nightjar/internal/errs"
	"github.com/nightjar-sec/nightjar/internal/extension"
	"github.com/nightjar-sec/nightjar/internal/migrate"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/tlv"
	"github.com/nightjar-sec/nightjar/internal/transport"
)

// ShutdownAckWait bounds the acknowledgment wait on polling transports,
// where delivery is only guaranteed at the remote's next poll.
const ShutdownAckWait = 10 * time.Second

// Core bundles the control-plane operations of one agent session: extension
// loading, transport switching, migration, and shutdown.
type Core struct {
	ch     tlv.Channel
	sess   *session.Session
	loader *extension.Loader
	trans  *transport.Manager
	mig    *migrate.Orchestrator
	logger *slog.Logger
}

// Params collect the collaborators a Core is built from.
type Params struct {
	Channel   tlv.Channel
	Session   *session.Session
	Artifacts interface {
		extension.ArtifactStore
		migrate.BootstrapStore
	}
	Query      migrate.RemoteQuery
	Stubs      migrate.StubBuilder
	CertHasher transport.CertHasher // nil for the SHA-1 default
	Logger     *slog.Logger
}

// New wires up a Core for one session.
func New(p Params) *Core {
	loader := extension.NewLoader(p.Channel, p.Session, p.Artifacts, p.Logger)
	return &Core{
		ch:     p.Channel,
		sess:   p.Session,
		loader: loader,
		trans:  transport.NewManager(p.Channel, p.Session, p.CertHasher, p.Logger),
		mig: migrate.NewOrchestrator(
			p.Channel, p.Session, loader, p.Query, p.Stubs, p.Artifacts, p.Logger),
		logger: p.Logger,
	}
}

// Session returns the session record the core operates on.
func (c *Core) Session() *session.Session { return c.sess }

// Use makes a capability module available on the agent.
func (c *Core) Use(ctx context.Context, name string, opts extension.UseOptions) error {
	if err := c.sess.EnsureAlive(); err != nil {
		return err
	}
	return c.loader.Use(ctx, name, opts)
}

// LoadModule sends a raw load-module request.
func (c *Core) LoadModule(ctx context.Context, opts extension.LoadOptions) ([]string, error) {
	if err := c.sess.EnsureAlive(); err != nil {
		return nil, err
	}
	return c.loader.LoadModule(ctx, opts)
}

// ListCommands enumerates the commands a module exposes on the agent.
func (c *Core) ListCommands(ctx context.Context, name string) ([]string, error) {
	if err := c.sess.EnsureAlive(); err != nil {
		return nil, err
	}
	return c.loader.ListCommands(ctx, name)
}

// ChangeTransport switches the agent's live transport.
func (c *Core) ChangeTransport(ctx context.Context, opts transport.Options) error {
	if err := c.sess.EnsureAlive(); err != nil {
		return err
	}
	return c.trans.ChangeTransport(ctx, opts)
}

// EnableCertPin pins the certificate at the given local path.
func (c *Core) EnableCertPin(ctx context.Context, certPath string) error {
	if err := c.sess.EnsureAlive(); err != nil {
		return err
	}
	return c.trans.EnableCertPin(ctx, certPath)
}

// DisableCertPin clears certificate pinning.
func (c *Core) DisableCertPin(ctx context.Context) error {
	if err := c.sess.EnsureAlive(); err != nil {
		return err
	}
	return c.trans.DisableCertPin(ctx)
}

// GetCertPin fetches the currently pinned certificate hash.
func (c *Core) GetCertPin(ctx context.Context) ([]byte, error) {
	if err := c.sess.EnsureAlive(); err != nil {
		return nil, err
	}
	return c.trans.GetCertPin(ctx)
}

// Migrate relocates the agent into another host process.
func (c *Core) Migrate(ctx context.Context, opts migrate.Options) error {
	return c.mig.Migrate(ctx, opts)
}

// Shutdown asks the agent to terminate. On a persistent transport the
// request is fire-and-forget since connection teardown follows immediately;
// on a polling transport the call waits up to ShutdownAckWait for
// acknowledgment, because delivery is not guaranteed until the remote's
// next poll and tearing the session down early could drop the command.
func (c *Core) Shutdown(ctx context.Context) error {
	if err := c.sess.EnsureAlive(); err != nil {
		return err
	}

	req := tlv.NewRequest(tlv.CmdShutdown)

	if !c.sess.Transport.Polling {
		if err := c.ch.Send(ctx, req); err != nil {
			return errs.Protocol("shutdown", "sending request: %v", err)
		}
		c.logger.Info("shutdown dispatched")
		return nil
	}

	resp, err := c.ch.SendAndAwait(ctx, req, ShutdownAckWait)
	if err != nil {
		return errs.Protocol("shutdown", "sending request: %v", err)
	}
	if resp == nil {
		c.logger.Warn("shutdown not acknowledged within wait window")
		return nil
	}
	if resp.ResultCode != tlv.ResultSuccess {
		return errs.RemoteResult("shutdown", resp.ResultCode)
	}

	c.logger.Info("shutdown acknowledged")
	return nil
}
