package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

// Runner executes one shell-style command line inside dir.
type Runner interface {
	Run(ctx context.Context, dir, command string) (output []byte, err error)
}

// ExecRunner runs commands as child processes. The command line is split
// with shell quoting rules but never passed to a shell.
type ExecRunner struct {
	Env []string
	// MaxOutput caps how much combined output is retained per command.
	MaxOutput int
}

func (r ExecRunner) Run(ctx context.Context, dir, command string) ([]byte, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", argv[0], err)
	}

	limit := r.MaxOutput
	if limit <= 0 {
		limit = 64 << 10
	}
	out := &tailBuffer{max: limit}
	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.L().Info("running build command", zap.String("dir", dir), zap.Strings("argv", argv))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.Bytes(), fmt.Errorf("%s: %w", argv[0], ctx.Err())
		}
		return out.Bytes(), fmt.Errorf("%s: %w", argv[0], err)
	}
	return out.Bytes(), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte { return t.buf.Bytes() }
