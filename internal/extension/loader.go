// ABOUTME: Extension Loader — resolves, uploads, and activates capability modules.
// ABOUTME: Keeps the session's module registry in sync with what the agent has loaded.

package extension

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/nightjar-sec/nightjar/internal/errs"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/tlv"
)

// ArtifactStore resolves and reads local module artifacts.
type ArtifactStore interface {
	Resolve(module, suffix string) (string, bool)
	Read(path string) ([]byte, error)
}

// LoadOptions name the load-module flags explicitly. The default, with all
// booleans false, loads from a path already present on the agent; Upload
// replaces that with a local artifact upload. OnDisk and Extension are
// independent additive flags.
type LoadOptions struct {
	// Path is the artifact path: local when uploading, remote otherwise.
	Path string
	// Upload transfers the local artifact's bytes instead of loading a
	// path already present on the agent.
	Upload bool
	// OnDisk persists the uploaded artifact to the remote filesystem.
	OnDisk bool
	// Extension marks the artifact as a capability module; uploads get a
	// randomized remote name.
	Extension bool
	// TargetPath is an explicit remote destination; ignored when Extension
	// generates one.
	TargetPath string
}

// UseOptions tune the Use flow.
type UseOptions struct {
	// ArtifactPath overrides the conventional local artifact lookup.
	ArtifactPath string
	// OnDisk persists the module to the remote filesystem after upload.
	OnDisk bool
}

// Loader loads capability modules into the remote agent and records the
// commands they expose in the session registry.
type Loader struct {
	ch     tlv.Channel
	sess   *session.Session
	store  ArtifactStore
	logger *slog.Logger
}

// NewLoader creates a Loader bound to one agent session.
func NewLoader(ch tlv.Channel, sess *session.Session, store ArtifactStore, logger *slog.Logger) *Loader {
	return &Loader{ch: ch, sess: sess, store: store, logger: logger}
}

// ListCommands asks the agent which commands the named module exposes.
//
// Two soft outcomes yield an empty list rather than an error: a delivery
// failure (the agent may predate this command entirely), and a response with
// a non-zero result (older or limited agents signal "unsupported" this way).
// Only a nil response after a successful round trip is a protocol failure.
func (l *Loader) ListCommands(ctx context.Context, module string) ([]string, error) {
	req := tlv.NewRequest(tlv.CmdEnumExtCmd).Add(tlv.KindExtensionName, module)

	resp, err := l.ch.SendAndAwait(ctx, req, 0)
	if err != nil {
		l.logger.Warn("command enumeration failed, treating module as unknown",
			"module", module, "error", err)
		return nil, nil
	}
	if resp == nil {
		return nil, errs.Protocol("enumextcmd", "no response for module %q", module)
	}
	if resp.ResultCode != tlv.ResultSuccess {
		l.logger.Debug("agent does not support command enumeration",
			"module", module, "result", resp.ResultCode)
		return nil, nil
	}
	return resp.Strings(tlv.KindCommandID), nil
}

// LoadModule sends a load-module request and returns the command identifiers
// that became available.
func (l *Loader) LoadModule(ctx context.Context, opts LoadOptions) ([]string, error) {
	if opts.Path == "" {
		return nil, errs.Validation("loadlib", "no artifact path given")
	}

	flags := tlv.LoadFlagLocal
	if opts.Upload {
		flags &^= tlv.LoadFlagLocal
	}
	if opts.OnDisk {
		flags |= tlv.LoadFlagOnDisk
	}
	if opts.Extension {
		flags |= tlv.LoadFlagExtension
	}

	path := opts.Path
	target := opts.TargetPath

	var data []byte
	if opts.Upload {
		if opts.Extension {
			// Randomized remote name: avoids collisions and predictable
			// artifact names on the target host.
			name := fmt.Sprintf("ext%06d.%s", rand.IntN(1000000), l.sess.SuffixTag)
			path = name
			target = name
		}
		var err error
		if data, err = l.store.Read(opts.Path); err != nil {
			return nil, err
		}
	}

	req := tlv.NewRequest(tlv.CmdLoadLib).
		Add(tlv.KindLibraryPath, path).
		Add(tlv.KindLoadFlags, flags)
	if target != "" {
		req.Add(tlv.KindTargetPath, target)
	}
	if data != nil {
		if l.sess.Compression {
			req.AddCompressed(tlv.KindLibraryData, data)
		} else {
			req.Add(tlv.KindLibraryData, data)
		}
	}

	resp, err := l.ch.SendAndAwait(ctx, req, 0)
	if err != nil {
		return nil, errs.Protocol("loadlib", "sending request: %v", err)
	}
	if resp == nil {
		return nil, errs.Protocol("loadlib", "no response")
	}
	if resp.ResultCode != tlv.ResultSuccess {
		return nil, errs.RemoteResult("loadlib", resp.ResultCode)
	}

	cmds := resp.Strings(tlv.KindCommandID)
	l.logger.Debug("module artifact loaded", "path", path, "commands", len(cmds))
	return cmds, nil
}

// Use makes a capability module available on the agent, loading it only if
// the agent does not already expose commands for it, and registers the
// resulting command set either way.
func (l *Loader) Use(ctx context.Context, name string, opts UseOptions) error {
	if name == "" {
		return errs.Validation("use", "no module name given")
	}

	cmds, err := l.ListCommands(ctx, name)
	if err != nil {
		return err
	}

	if len(cmds) == 0 {
		path := opts.ArtifactPath
		if path == "" {
			var ok bool
			if path, ok = l.store.Resolve(name, l.sess.SuffixTag); !ok {
				return errs.Validation("use", "no local artifact for module %q (suffix %q)",
					name, l.sess.SuffixTag)
			}
		}

		if cmds, err = l.LoadModule(ctx, LoadOptions{
			Path:      path,
			Upload:    true,
			OnDisk:    opts.OnDisk,
			Extension: true,
		}); err != nil {
			return err
		}
	}

	l.sess.RegisterModule(name, cmds)
	return nil
}
