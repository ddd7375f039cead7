package oracle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/nzkv/pado/blocks"
)

// Script asks its questions by spawning an executable with the encoded forged
// ciphertext as the first argument. Exit 0 means correct padding, any other
// exit code means incorrect padding. Stdout and stderr are discarded.
type Script struct {
	path     string
	encoding blocks.Encoding
	delay    time.Duration
}

// NewScript resolves and checks the oracle executable.
func NewScript(path string, encoding blocks.Encoding, delay time.Duration) (*Script, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving script path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("script oracle %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("script oracle %q is a directory", path)
	}

	return &Script{path: abs, encoding: encoding, delay: delay}, nil
}

func (s *Script) Location() string     { return s.path }
func (s *Script) Delay() time.Duration { return s.delay }

// Ask spawns a fresh child per question; there is no shared child state. A
// non-zero exit is a verdict, only a failure to spawn is transient.
func (s *Script) Ask(ctx context.Context, forged []byte) (bool, error) {
	cmd := exec.CommandContext(ctx, s.path, s.encoding.EncodeToString(forged))
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) && ctx.Err() == nil {
		return false, nil
	}
	return false, fmt.Errorf("script oracle failed to run: %w", err)
}
