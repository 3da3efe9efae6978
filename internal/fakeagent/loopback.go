// ABOUTME: Stateful loopback agent for the nightjar-sim development harness.
// ABOUTME: Simulates module loading, process queries, and migration end to end.

package fakeagent

import (
	"context"
	"sync"

	"github.com/nightjar-sec/nightjar/internal/migrate"
	"github.com/nightjar-sec/nightjar/internal/session"
	"github.com/nightjar-sec/nightjar/internal/tlv"
)

// moduleCommands is what the loopback agent exposes per capability module
// once loaded.
var moduleCommands = map[string][]string{
	"stdapi": {
		"fs_ls", "fs_stat", "fs_download", "fs_upload",
		"proc_list", "proc_kill", "proc_getpid",
		"env_get", "net_config",
	},
	"keylog":  {"keylog_start", "keylog_dump", "keylog_stop"},
	"pivot":   {"pivot_add", "pivot_list", "pivot_remove"},
	"screens": {"screens_grab", "screens_list"},
}

// Loopback simulates a remote agent: it answers the core command set and the
// process/filesystem queries, tracking which modules have been loaded.
type Loopback struct {
	*FakeAgent

	mu          sync.Mutex
	loaded      map[string]bool
	lastQueried string

	pid   int
	procs []migrate.ProcessInfo
}

// NewLoopback creates a loopback agent with a canned process table.
func NewLoopback() *Loopback {
	l := &Loopback{
		FakeAgent: New(),
		loaded:    make(map[string]bool),
		pid:       1337,
		procs: []migrate.ProcessInfo{
			{PID: 1, Arch: "x64", Name: "init"},
			{PID: 412, Arch: "x86", Name: "svchost.exe"},
			{PID: 1337, Arch: "x64", Name: "nightjar-agent"},
			{PID: 2204, Arch: "x64", Name: "explorer.exe"},
			{PID: 5150, Arch: "", Name: "lsass.exe"},
		},
	}

	l.Handle(tlv.CmdEnumExtCmd, l.enumExtCmd)
	l.Handle(tlv.CmdLoadLib, l.loadLib)
	return l
}

func (l *Loopback) enumExtCmd(req *tlv.Request) (*tlv.Response, error) {
	name := reqString(req, tlv.KindExtensionName)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastQueried = name

	resp := &tlv.Response{ResultCode: tlv.ResultSuccess}
	if l.loaded[name] {
		for _, cmd := range moduleCommands[name] {
			resp.Values = append(resp.Values, tlv.Value{Kind: tlv.KindCommandID, Data: cmd})
		}
	}
	return resp, nil
}

func (l *Loopback) loadLib(req *tlv.Request) (*tlv.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The loader uploads modules under randomized names, so the artifact
	// path does not identify the module. The preceding enumeration does:
	// the loader always enumerates before loading.
	name := l.lastQueried
	if _, known := moduleCommands[name]; !known {
		return &tlv.Response{ResultCode: 1}, nil
	}
	l.loaded[name] = true

	resp := &tlv.Response{ResultCode: tlv.ResultSuccess}
	for _, cmd := range moduleCommands[name] {
		resp.Values = append(resp.Values, tlv.Value{Kind: tlv.KindCommandID, Data: cmd})
	}
	return resp, nil
}

// ForgetModules simulates the post-migration state where the new process
// has no modules loaded.
func (l *Loopback) ForgetModules() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = make(map[string]bool)
}

// Processes implements migrate.RemoteQuery.
func (l *Loopback) Processes(context.Context) ([]migrate.ProcessInfo, error) {
	return l.procs, nil
}

// CurrentPID implements migrate.RemoteQuery.
func (l *Loopback) CurrentPID(context.Context) (int, error) {
	return l.pid, nil
}

// StatIsDir implements migrate.RemoteQuery; the loopback host has only /tmp.
func (l *Loopback) StatIsDir(_ context.Context, path string) (bool, error) {
	return path == "/tmp", nil
}

// GetEnv implements migrate.RemoteQuery.
func (l *Loopback) GetEnv(_ context.Context, name string) (string, error) {
	return "", nil
}

// StubBuilderFunc adapts a function to migrate.StubBuilder.
type StubBuilderFunc func(arch session.Arch, patch *migrate.TransportPatch) ([]byte, error)

// BuildStager implements migrate.StubBuilder.
func (f StubBuilderFunc) BuildStager(arch session.Arch, patch *migrate.TransportPatch) ([]byte, error) {
	return f(arch, patch)
}

func reqString(req *tlv.Request, kind tlv.Kind) string {
	for _, v := range req.Values {
		if v.Kind == kind {
			if s, ok := v.Data.(string); ok {
				return s
			}
		}
	}
	return ""
}
