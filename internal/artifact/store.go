// ABOUTME: Filesystem-backed store for local module and bootstrap artifacts.
// ABOUTME: Resolves module artifacts by naming convention and binary-suffix tag.

package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nightjar-sec/nightjar/internal/config"
	"github.com/nightjar-sec/nightjar/internal/errs"
)

// defaultBootstrap is the artifact name used when the config leaves the
// bootstrap filename unset.
const defaultBootstrap = "bootstrap.elf"

// Store resolves and reads artifacts from the local artifact directory.
type Store struct {
	dir       string
	bootstrap string
}

// NewStore creates a store over the configured artifact directory.
func NewStore(cfg config.ArtifactsConfig) *Store {
	bootstrap := cfg.Bootstrap
	if bootstrap == "" {
		bootstrap = defaultBootstrap
	}
	return &Store{dir: cfg.Dir, bootstrap: bootstrap}
}

// Resolve returns the path of the module artifact for the given module name
// and binary-suffix tag, using the ext_server_<module>.<suffix> convention.
// ok is false when no such artifact exists locally.
func (s *Store) Resolve(module, suffix string) (string, bool) {
	path := filepath.Join(s.dir, fmt.Sprintf("ext_server_%s.%s", module, suffix))
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// Read returns the bytes of a local artifact.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.IOError{Path: path, Err: err}
	}
	return data, nil
}

// Bootstrap returns the precompiled Linux bootstrap stub bytes.
func (s *Store) Bootstrap() ([]byte, error) {
	return s.Read(filepath.Join(s.dir, s.bootstrap))
}
