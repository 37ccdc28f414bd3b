// Package pty runs session commands under pseudo-terminals.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	cpty "github.com/creack/pty"
)

// DefaultShell runs session commands when StartOptions.Shell is empty.
const DefaultShell = "/bin/sh"

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is a shell command line.
	Command string

	// Shell interprets Command with "-c".
	Shell string

	// Env is the environment of the process. If nil, the current process
	// environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string

	InitialRows uint16
	InitialCols uint16
}

// Process is a command attached to the controlling side of a pseudo-terminal.
type Process struct {
	tty *os.File
	cmd *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// Start launches opts.Command under a new pseudo-terminal.
func Start(opts StartOptions) (*Process, error) {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.Command(shell, "-c", opts.Command)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir

	tty, err := cpty.StartWithSize(cmd, &cpty.Winsize{Rows: opts.InitialRows, Cols: opts.InitialCols})
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", opts.Command, err)
	}
	return &Process{tty: tty, cmd: cmd}, nil
}

// Read reads terminal output.
func (p *Process) Read(b []byte) (int, error) {
	return p.tty.Read(b)
}

// Write writes terminal input.
func (p *Process) Write(b []byte) (int, error) {
	return p.tty.Write(b)
}

// Resize changes the terminal window size.
func (p *Process) Resize(rows, cols uint16) error {
	return cpty.Setsize(p.tty, &cpty.Winsize{Rows: rows, Cols: cols})
}

// Size returns the current terminal window size.
func (p *Process) Size() (rows, cols int, err error) {
	return cpty.Getsize(p.tty)
}

// PID returns the process ID of the running process.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and returns its exit code. A process
// killed by a signal reports -1 with a nil error.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Kill terminates the whole process group started for the command.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// The child is a session leader, so its pid is also its process group.
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Close releases the pseudo-terminal.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.tty.Close()
	})
	return p.closeErr
}
