// Package core is the facade over one agent session's control plane.
//
// # Overview
//
// A Core bundles the four control-plane concerns of a live agent session:
//
//   - extension loading (internal/extension)
//   - transport switching and certificate pinning (internal/transport)
//   - process migration (internal/migrate)
//   - the shutdown handshake (owned here)
//
// Every operation is gated on session liveness. Once a session is marked
// dead — a failed post-migration renegotiation is the canonical cause —
// every call fails fast with a FatalSessionError and nothing reaches the
// wire.
//
// # Shutdown
//
// Shutdown behavior depends on the transport. On a persistent connection
// the request is fire-and-forget: the agent tears the connection down as it
// exits, so no acknowledgment can be expected. On a polling transport the
// call waits a bounded window for acknowledgment, because the command is
// only delivered at the remote's next poll and tearing down early could
// drop it.
//
// # Usage
//
//	c := core.New(core.Params{
//	    Channel:   channel,
//	    Session:   sess,
//	    Artifacts: store,
//	    Query:     query,
//	    Stubs:     stubs,
//	    Logger:    logger,
//	})
//	err := c.Use(ctx, "stdapi", extension.UseOptions{})
package core
