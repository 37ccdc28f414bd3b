package pty

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voglster/lumbergh-sub000/internal/buffer"
	"github.com/voglster/lumbergh-sub000/internal/logger"
	"github.com/voglster/lumbergh-sub000/internal/model"
)

const (
	// DefaultRingBufferSize is the per-session history replayed on attach.
	DefaultRingBufferSize = 64 * 1024

	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// KeyCtrlU clears the current input line.
	KeyCtrlU = "\x15"

	// KeyEnter submits the current input line.
	KeyEnter = "\r"

	// DefaultInputClearDelay is the pause after Ctrl-U before typing.
	DefaultInputClearDelay = 500 * time.Millisecond

	// DefaultInputTextDelay is the pause after typing before Enter.
	DefaultInputTextDelay = 500 * time.Millisecond
)

// ErrProcessClosed is returned for writes to a process that has exited or
// been killed.
var ErrProcessClosed = fmt.Errorf("process is closed")

// PTYProcess is a running session command together with its output history
// and recording.
type PTYProcess struct {
	ID         string
	Dir        string
	Process    *Process
	RingBuffer *buffer.RingBuffer
	Recorder   *logger.Recorder

	outputCallback func(data []byte)
	exitCallback   func(exitCode int, err error)
	clearDelay     time.Duration
	textDelay      time.Duration

	// writeMu keeps a multi-step command from interleaving with keystrokes.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	closed   bool
	closedCh chan struct{}
	readDone chan struct{}
}

// Manager keeps the running PTY processes, keyed by session ID.
type Manager struct {
	processes map[string]*PTYProcess
	mu        sync.RWMutex

	// RingBufferSize is the size of the history buffer for each process.
	RingBufferSize int

	// Shell interprets session commands.
	Shell string

	// InputClearDelay and InputTextDelay pace WriteCommand.
	InputClearDelay time.Duration
	InputTextDelay  time.Duration
}

// NewManager creates a new PTY manager.
func NewManager() *Manager {
	return &Manager{
		processes:       make(map[string]*PTYProcess),
		RingBufferSize:  DefaultRingBufferSize,
		Shell:           DefaultShell,
		InputClearDelay: DefaultInputClearDelay,
		InputTextDelay:  DefaultInputTextDelay,
	}
}

// SpawnOptions contains options for spawning a PTY process.
type SpawnOptions struct {
	Session     *model.Session
	InitialRows uint16
	InitialCols uint16

	// OutputCallback receives every chunk of output, after it has been
	// added to the history buffer. It runs on the reader goroutine.
	OutputCallback func(data []byte)

	// ExitCallback runs once when the process exits, after all output has
	// been delivered.
	ExitCallback func(exitCode int, err error)
}

// Spawn starts the session's command and registers it under the session ID,
// replacing any process previously registered under that ID.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*PTYProcess, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if strings.TrimSpace(opts.Session.Command) == "" {
		return nil, model.ErrCommandRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.InitialRows == 0 {
		opts.InitialRows = 24
	}
	if opts.InitialCols == 0 {
		opts.InitialCols = 80
	}

	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for k, v := range opts.Session.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	workdir, err := prepareWorkdir(opts.Session.Workdir)
	if err != nil {
		return nil, err
	}

	var recorder *logger.Recorder
	if opts.Session.LogFilePath != "" {
		recorder, err = logger.Create(opts.Session.LogFilePath, logger.Header{
			Width:  int(opts.InitialCols),
			Height: int(opts.InitialRows),
			Title:  opts.Session.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create recording: %w", err)
		}
	}

	process, err := Start(StartOptions{
		Command:     opts.Session.Command,
		Shell:       m.Shell,
		Env:         env,
		Dir:         workdir,
		InitialRows: opts.InitialRows,
		InitialCols: opts.InitialCols,
	})
	if err != nil {
		if recorder != nil {
			recorder.Close()
		}
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &PTYProcess{
		ID:             opts.Session.ID,
		Dir:            workdir,
		Process:        process,
		RingBuffer:     buffer.NewRingBuffer(m.RingBufferSize),
		Recorder:       recorder,
		outputCallback: opts.OutputCallback,
		exitCallback:   opts.ExitCallback,
		clearDelay:     m.InputClearDelay,
		textDelay:      m.InputTextDelay,
		closedCh:       make(chan struct{}),
		readDone:       make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[p.ID] = p
	m.mu.Unlock()

	go p.readLoop()
	go p.waitLoop(m)

	return p, nil
}

// prepareWorkdir expands a leading ~ and makes sure the directory exists.
func prepareWorkdir(workdir string) (string, error) {
	if workdir == "" {
		return "", nil
	}
	if workdir == "~" || strings.HasPrefix(workdir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		workdir = filepath.Join(home, strings.TrimPrefix(workdir, "~"))
	}
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create working directory %s: %w", workdir, err)
	}
	return workdir, nil
}

// Get returns the PTY process for the given session ID.
func (m *Manager) Get(id string) (*PTYProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.processes[id]
	return p, ok
}

// Kill terminates the PTY process for the given session ID.
func (m *Manager) Kill(id string) error {
	p, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("process not found: %s", id)
	}
	return p.Close()
}

// remove unregisters p unless a newer process has taken its ID.
func (m *Manager) remove(p *PTYProcess) {
	m.mu.Lock()
	if m.processes[p.ID] == p {
		delete(m.processes, p.ID)
	}
	m.mu.Unlock()
}

// List returns all running PTY processes.
func (m *Manager) List() []*PTYProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*PTYProcess, 0, len(m.processes))
	for _, p := range m.processes {
		result = append(result, p)
	}
	return result
}

// Close kills every process and releases its resources.
func (m *Manager) Close() error {
	var firstErr error
	for _, p := range m.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readLoop copies output into the history, the recording and the callback.
func (p *PTYProcess) readLoop() {
	defer close(p.readDone)
	buf := make([]byte, DefaultReadBufferSize)

	for {
		n, err := p.Process.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			p.RingBuffer.Write(data)
			if p.Recorder != nil {
				p.Recorder.Output(data)
			}
			if p.outputCallback != nil {
				p.outputCallback(data)
			}
		}
		if err != nil {
			// Linux reports EIO once the child side has closed.
			return
		}
	}
}

// waitLoop reaps the process, waits for the remaining output and reports the
// exit.
func (p *PTYProcess) waitLoop(m *Manager) {
	exitCode, err := p.Process.Wait()

	select {
	case <-p.readDone:
	case <-time.After(time.Second):
		log.Printf("Session %s: output still pending after exit, closing terminal", p.ID)
	}

	p.Close()
	m.remove(p)

	if p.exitCallback != nil {
		p.exitCallback(exitCode, err)
	}
}

func (p *PTYProcess) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProcessClosed
	}
	return nil
}

// Write writes keystrokes to the PTY.
func (p *PTYProcess) Write(data []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.write(data)
}

func (p *PTYProcess) write(data []byte) error {
	if _, err := p.Process.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	if p.Recorder != nil {
		p.Recorder.Input(data)
	}
	return nil
}

// WriteCommand types a command into an interactive CLI: Ctrl-U clears the
// input line, the text is typed, and Enter is sent when enter is set.
// Pauses between the steps let the CLI redraw its input box.
func (p *PTYProcess) WriteCommand(text string, enter bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.write([]byte(KeyCtrlU)); err != nil {
		return fmt.Errorf("failed to clear input: %w", err)
	}
	time.Sleep(p.clearDelay)

	if text != "" {
		if err := p.write([]byte(text)); err != nil {
			return fmt.Errorf("failed to write command: %w", err)
		}
	}

	if !enter {
		return nil
	}
	time.Sleep(p.textDelay)
	if err := p.write([]byte(KeyEnter)); err != nil {
		return fmt.Errorf("failed to send enter: %w", err)
	}
	return nil
}

// Resize changes the PTY window size and records it.
func (p *PTYProcess) Resize(rows, cols uint16) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.Process.Resize(rows, cols); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	if p.Recorder != nil {
		p.Recorder.Resize(int(cols), int(rows))
	}
	return nil
}

// Close kills the process and releases the terminal and the recording.
func (p *PTYProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	var firstErr error
	if err := p.Process.Kill(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.Process.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.Recorder != nil {
		if err := p.Recorder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsClosed returns true if the process has been closed.
func (p *PTYProcess) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// ClosedChan returns a channel that is closed when the process is closed.
func (p *PTYProcess) ClosedChan() <-chan struct{} {
	return p.closedCh
}

// GetHistory returns the buffered output history.
func (p *PTYProcess) GetHistory() []byte {
	return p.RingBuffer.ReadAll()
}

// PID returns the process ID.
func (p *PTYProcess) PID() int {
	return p.Process.PID()
}
