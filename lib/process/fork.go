// Package process runs a child process whose stdin and stdout form one stream.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadWriteCloser = (*Process)(nil)

// Fork starts path with args. The child's stderr goes to stderr of this process
// so that stdout carries nothing but the stream.
func Fork(ctx context.Context, path string, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

func (p *Process) Stdin() io.Writer  { return p.stdin }
func (p *Process) Stdout() io.Reader { return p.stdout }

func (p *Process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Wait waits for the process to exit.
func (p *Process) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("process exited with error: %w", err)
	}
	return nil
}

// Close closes stdin, kills the process and reaps it.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to kill process: %w", err))
		}
		// the exit status of a killed process is not a close failure
		_ = p.cmd.Wait()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
