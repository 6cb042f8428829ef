package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"taskvisor/internal/ports"
	"time"
)

var _ ports.Launcher = ExecLauncher{}

// ExecLauncher starts the worker as an OS process. The poll interval in
// milliseconds is appended as the last argument.
type ExecLauncher struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
}

func (l ExecLauncher) Launch(ctx context.Context, interval time.Duration) (ports.Process, error) {
	args := append(append([]string(nil), l.Args...), strconv.FormatInt(interval.Milliseconds(), 10))
	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}
	return &execProcess{cmd: cmd, out: out, exited: make(chan struct{})}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	out    io.Reader
	exited chan struct{}
}

func (p *execProcess) Output() io.Reader { return p.out }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	defer close(p.exited)
	return p.cmd.Wait()
}

func (p *execProcess) Terminate(grace time.Duration) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		return p.cmd.Process.Kill()
	}
}
