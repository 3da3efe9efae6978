// ABOUTME: Loopback simulation harness for the nightjar session core.
// ABOUTME: Drives the core command set against an in-memory fake agent for development.

package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nightjar-sec/nightjar/internal/artifact"
	"github.com/nightjar-sec/nightjar/internal/config"
	"github.com/nightjar-sec/nightjar/internal/core"
	"github.com/nightjar-sec/nightjar/internal/extension"
	"github.com/nightjar-sec/nightjar/internal/fakeagent"
	"github.com/nightjar-sec/nightjar/internal/migrate"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/transport"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	dim      = color.New(color.Faint).SprintFunc()
)

var (
	verbose    bool
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:   "nightjar-sim",
		Short: "Exercise the session core against an in-memory fake agent",
		Long: "nightjar-sim wires the session core to a loopback agent so the\n" +
			"control flow (module loading, transport change, migration, shutdown)\n" +
			"can be exercised without a live implant.",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&configPath, "config", "", "core config file (default: synthesized artifacts)")

	root.AddCommand(useCmd(), transportCmd(), migrateCmd(), shutdownCmd(), pinCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// world is one loopback deployment: a session core wired to a fake agent
// with synthesized local artifacts.
type world struct {
	core    *core.Core
	agent   *fakeagent.Loopback
	tempDir string // synthesized artifact dir, empty when --config supplied one
}

func newWorld() (*world, error) {
	artifacts := config.ArtifactsConfig{}
	level := slog.LevelWarn
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		artifacts = cfg.Artifacts
		if cfg.Logging.Level != "" {
			if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
				return nil, fmt.Errorf("parsing logging.level: %w", err)
			}
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var scratch string
	if artifacts.Dir == "" {
		dir, err := os.MkdirTemp("", "nightjar-sim-")
		if err != nil {
			return nil, fmt.Errorf("creating artifact dir: %w", err)
		}
		// Dummy module artifacts so the conventional lookup resolves.
		for _, name := range []string{"stdapi", "keylog", "pivot", "screens"} {
			path := filepath.Join(dir, fmt.Sprintf("ext_server_%s.x64.dll", name))
			if err := os.WriteFile(path, []byte("sim artifact: "+name), 0o600); err != nil {
				return nil, fmt.Errorf("writing artifact: %w", err)
			}
		}
		artifacts.Dir = dir
		scratch = dir
	}

	sess := session.New(session.FamilyWindows, session.Arch64, logger)
	sess.Compression = true
	sess.Transport = session.TransportState{Scheme: "tcp", TLS: true}
	sess.Crypto = &fakeagent.NoopNegotiator{}
	sess.Reader = &fakeagent.NoopReader{Running: true}

	agent := fakeagent.NewLoopback()
	c := core.New(core.Params{
		Channel:   agent,
		Session:   sess,
		Artifacts: artifact.NewStore(artifacts),
		Query:     agent,
		Stubs: fakeagent.StubBuilderFunc(func(arch session.Arch, patch *migrate.TransportPatch) ([]byte, error) {
			return []byte("stager:" + arch.String()), nil
		}),
		Logger: logger,
	})

	return &world{core: c, agent: agent, tempDir: scratch}, nil
}

// close removes the synthesized artifact directory; configured directories
// are left alone.
func (w *world) close() {
	if w.tempDir != "" {
		os.RemoveAll(w.tempDir)
	}
}

func useCmd() *cobra.Command {
	var onDisk bool
	cmd := &cobra.Command{
		Use:   "use <module>",
		Short: "Load a capability module into the fake agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorld()
			if err != nil {
				return err
			}
			defer w.close()

			if err := w.core.Use(cmd.Context(), args[0], extension.UseOptions{OnDisk: onDisk}); err != nil {
				fmt.Printf("%s use %s: %v\n", failMark("✗"), args[0], err)
				return err
			}

			cmds, _ := w.core.Session().ModuleCommands(args[0])
			fmt.Printf("%s module %s active (%d commands)\n", okMark("✓"), args[0], len(cmds))
			for _, c := range cmds {
				fmt.Printf("  %s\n", dim(c))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&onDisk, "on-disk", false, "persist the module on the remote filesystem")
	return cmd
}

func transportCmd() *cobra.Command {
	var opts transport.Options
	var lhost string
	var lport, proxyPort int

	cmd := &cobra.Command{
		Use:   "transport <kind>",
		Short: "Switch the fake agent's transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorld()
			if err != nil {
				return err
			}
			defer w.close()

			opts.Kind = transport.Kind(args[0])
			opts.Host = lhost
			opts.Port = uint16(lport)
			opts.ProxyPort = uint16(proxyPort)

			if err := w.core.ChangeTransport(cmd.Context(), opts); err != nil {
				fmt.Printf("%s transport change: %v\n", failMark("✗"), err)
				return err
			}
			fmt.Printf("%s transport change dispatched: %s\n", okMark("✓"), w.core.Session().Transport.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&lhost, "lhost", "", "destination host (reverse kinds)")
	cmd.Flags().IntVar(&lport, "lport", 0, "destination port")
	cmd.Flags().StringVar(&opts.CertPath, "cert", "", "certificate to pin (reverse_https)")
	cmd.Flags().StringVar(&opts.UserAgent, "ua", "", "user-agent override")
	cmd.Flags().StringVar(&opts.ProxyHost, "proxy-host", "", "proxy host")
	cmd.Flags().IntVar(&proxyPort, "proxy-port", 0, "proxy port")
	cmd.Flags().StringVar(&opts.ProxyKind, "proxy-kind", "http", "proxy kind (http|socks)")
	cmd.Flags().StringVar(&opts.ProxyUser, "proxy-user", "", "proxy username")
	cmd.Flags().StringVar(&opts.ProxyPass, "proxy-pass", "", "proxy password")
	return cmd
}

func migrateCmd() *cobra.Command {
	var scratch string
	cmd := &cobra.Command{
		Use:   "migrate <pid>",
		Short: "Relocate the fake agent into another simulated process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}

			w, err := newWorld()
			if err != nil {
				return err
			}
			defer w.close()

			// Preload a module so the reload step has something to do.
			if err := w.core.Use(cmd.Context(), "stdapi", extension.UseOptions{}); err != nil {
				return err
			}
			w.agent.ForgetModules()

			if err := w.core.Migrate(cmd.Context(), migrate.Options{PID: pid, ScratchDir: scratch}); err != nil {
				fmt.Printf("%s migrate to %d: %v\n", failMark("✗"), pid, err)
				return err
			}

			sess := w.core.Session()
			fmt.Printf("%s migrated to pid %d (%s, suffix %s)\n",
				okMark("✓"), pid, sess.Arch, sess.SuffixTag)
			fmt.Printf("  modules reloaded: %v\n", sess.Modules())
			return nil
		},
	}
	cmd.Flags().StringVar(&scratch, "scratch", "", "writable scratch directory (linux targets)")
	return cmd
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Send the shutdown command to the fake agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorld()
			if err != nil {
				return err
			}
			defer w.close()

			if err := w.core.Shutdown(cmd.Context()); err != nil {
				fmt.Printf("%s shutdown: %v\n", failMark("✗"), err)
				return err
			}
			fmt.Printf("%s shutdown dispatched\n", okMark("✓"))
			return nil
		},
	}
}

func pinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin <enable|disable|show>",
		Short: "Manage certificate pinning on the fake agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorld()
			if err != nil {
				return err
			}
			defer w.close()

			ctx := cmd.Context()
			switch args[0] {
			case "enable":
				cert, err := writeSimCert()
				if err != nil {
					return err
				}
				defer os.Remove(cert)
				if err := w.core.EnableCertPin(ctx, cert); err != nil {
					return err
				}
				fmt.Printf("%s pin enabled: %s\n", okMark("✓"),
					hex.EncodeToString(w.core.Session().Transport.CertHash))
			case "disable":
				if err := w.core.DisableCertPin(ctx); err != nil {
					return err
				}
				fmt.Printf("%s pin disabled\n", okMark("✓"))
			case "show":
				hash, err := w.core.GetCertPin(ctx)
				if err != nil {
					return err
				}
				if len(hash) == 0 {
					fmt.Println(dim("no certificate pinned"))
				} else {
					fmt.Println(hex.EncodeToString(hash))
				}
			default:
				return fmt.Errorf("unknown pin action %q", args[0])
			}
			return nil
		},
	}
	return cmd
}

// writeSimCert drops a throwaway DER blob to pin against.
func writeSimCert() (string, error) {
	f, err := os.CreateTemp("", "nightjar-sim-cert-*.der")
	if err != nil {
		return "", fmt.Errorf("writing sim cert: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("sim certificate der bytes")); err != nil {
		return "", fmt.Errorf("writing sim cert: %w", err)
	}
	return f.Name(), nil
}

func init() {
	// Sim output goes to a terminal; disable color when piped.
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		color.NoColor = true
	}
}
