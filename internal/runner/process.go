package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxStreamBuffer bounds how much raw subprocess output is retained.
const maxStreamBuffer = 10 << 20 // 10 MiB

// killEscalation is how long TERM gets before KILL.
const killEscalation = 300 * time.Millisecond

// Process is a spawned subprocess under group control.
type Process interface {
	Stdout() io.Reader
	// Cancel signals the whole process group: TERM, then KILL shortly
	// after. Safe to call more than once.
	Cancel()
	Wait() error
}

// ProcessRunner abstracts subprocess spawning so tests can substitute
// scripted output.
type ProcessRunner interface {
	Start(ctx context.Context, bin string, args []string, dir string, extraEnv map[string]string) (Process, error)
}

// CLIProcessRunner spawns real CLI binaries in their own process group.
type CLIProcessRunner struct{}

type cliProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	cancelOnce sync.Once
}

// Start launches bin detached in its own group with stdout piped.
func (CLIProcessRunner) Start(_ context.Context, bin string, args []string, dir string, extraEnv map[string]string) (Process, error) {
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	env := os.Environ()
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cliProcess{cmd: cmd, stdout: stdout}, nil
}

func (p *cliProcess) Stdout() io.Reader { return p.stdout }

func (p *cliProcess) Cancel() {
	p.cancelOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		pgid := p.cmd.Process.Pid
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		time.AfterFunc(killEscalation, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
	})
}

func (p *cliProcess) Wait() error { return p.cmd.Wait() }

// ringBuffer keeps the most recent cap bytes written to it.
type ringBuffer struct {
	cap int
	buf []byte
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) WriteString(s string) {
	r.buf = append(r.buf, s...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

func (r *ringBuffer) String() string { return string(r.buf) }
