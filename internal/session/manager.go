package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voglster/lumbergh-sub000/internal/idle"
	"github.com/voglster/lumbergh-sub000/internal/model"
	"github.com/voglster/lumbergh-sub000/internal/protocol"
	"github.com/voglster/lumbergh-sub000/internal/pty"
	"github.com/voglster/lumbergh-sub000/internal/repository"
)

const (
	// DefaultMaxSessions bounds how many sessions may run at once.
	DefaultMaxSessions = 10

	defaultRows = 24
	defaultCols = 80
)

// Observer receives session events as they happen. The ws package uses it
// to fan events out to attached clients.
type Observer interface {
	SessionOutput(id string, data []byte)
	SessionIdle(id string, state protocol.IdleState)
	SessionExited(id, message string)
}

type nopObserver struct{}

func (nopObserver) SessionOutput(string, []byte)          {}
func (nopObserver) SessionIdle(string, protocol.IdleState) {}
func (nopObserver) SessionExited(string, string)           {}

// Config holds configuration for the session manager.
type Config struct {
	LogDir           string
	MaxSessions      int
	StallAfter       time.Duration
	ActivityDebounce time.Duration
}

// Manager manages named terminal sessions: their records, their processes
// and their idle classification.
type Manager struct {
	ptyManager *pty.Manager
	repo       *repository.SessionRepository
	watcher    *idle.Watcher
	cfg        Config

	mu       sync.RWMutex
	observer Observer
	sessions map[string]*runtime
}

// runtime holds the live state of a session. gen changes whenever the
// process is replaced or the session is deleted, so callbacks from an
// earlier process can tell they are stale.
type runtime struct {
	session  *model.Session
	process  *pty.PTYProcess
	detector *idle.Detector
	gen      uint64
}

// NewManager creates a new session manager.
func NewManager(ptyManager *pty.Manager, repo *repository.SessionRepository, cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &Manager{
		ptyManager: ptyManager,
		repo:       repo,
		watcher:    idle.NewWatcher(cfg.ActivityDebounce),
		cfg:        cfg,
		observer:   nopObserver{},
		sessions:   make(map[string]*runtime),
	}
}

// SetObserver registers the receiver of session events.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

func (m *Manager) notify() Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observer
}

// Recover marks sessions left running by a previous server as exited.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	return m.repo.MarkOrphansExited(ctx)
}

// Create records a new session and starts its command.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkLimit(ctx); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now()
	session := &model.Session{
		ID:        id,
		Name:      req.Name,
		Command:   req.Command,
		Workdir:   req.Workdir,
		Env:       req.Env,
		Status:    model.SessionStatusRunning,
		IdleState: string(protocol.IdleUnknown),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.cfg.LogDir != "" {
		session.LogFilePath = filepath.Join(m.cfg.LogDir, fmt.Sprintf("%s.cast", id))
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	rt := m.track(session)
	if err := m.spawn(ctx, rt); err != nil {
		m.untrack(rt)
		rt.detector.Close()
		if delErr := m.repo.Delete(context.Background(), id); delErr != nil {
			log.Printf("Failed to roll back session %s: %v", req.Name, delErr)
		}
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	return m.snapshot(rt), nil
}

func (m *Manager) checkLimit(ctx context.Context) error {
	active, err := m.repo.CountActive(ctx)
	if err != nil {
		return err
	}
	if active >= m.cfg.MaxSessions {
		return fmt.Errorf("%w: %d sessions running", model.ErrConcurrencyLimit, active)
	}
	return nil
}

// track returns the runtime for a session record, creating it if needed.
func (m *Manager) track(session *model.Session) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.sessions[session.ID]; ok {
		return rt
	}
	rt := &runtime{session: session.Clone()}
	rt.detector = idle.NewDetector(idle.Config{
		StallAfter: m.cfg.StallAfter,
		OnChange:   func(s protocol.IdleState) { m.idleChanged(rt, s) },
	})
	m.sessions[session.ID] = rt
	return rt
}

func (m *Manager) untrack(rt *runtime) {
	m.mu.Lock()
	if m.sessions[rt.session.ID] == rt {
		delete(m.sessions, rt.session.ID)
	}
	rt.gen++
	m.mu.Unlock()
}

// spawn starts a new process for rt, replacing its generation.
func (m *Manager) spawn(ctx context.Context, rt *runtime) error {
	m.mu.Lock()
	rt.gen++
	gen := rt.gen
	session := rt.session.Clone()
	m.mu.Unlock()

	id := session.ID
	// The exit callback may run before Spawn returns for short commands.
	ready := make(chan struct{})

	p, err := m.ptyManager.Spawn(ctx, pty.SpawnOptions{
		Session:     session,
		InitialRows: defaultRows,
		InitialCols: defaultCols,
		OutputCallback: func(data []byte) {
			if !m.current(rt, gen) {
				return
			}
			rt.detector.Feed(data)
			m.notify().SessionOutput(id, data)
		},
		ExitCallback: func(exitCode int, err error) {
			<-ready
			m.handleExit(rt, gen, exitCode, err)
		},
	})
	if err != nil {
		close(ready)
		return err
	}
	defer close(ready)

	pid := p.PID()
	m.mu.Lock()
	if rt.gen != gen {
		m.mu.Unlock()
		p.Close()
		return model.ErrSessionNotFound
	}
	rt.process = p
	rt.session.Status = model.SessionStatusRunning
	rt.session.ExitCode = nil
	rt.session.PID = &pid
	rt.session.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.repo.MarkRunning(ctx, id, pid); err != nil {
		log.Printf("Failed to record session %s as running: %v", session.Name, err)
	}
	if p.Dir != "" {
		if err := m.watcher.Watch(id, p.Dir, rt.detector.Activity); err != nil {
			log.Printf("Not watching %s for session %s: %v", p.Dir, session.Name, err)
		}
	}
	return nil
}

func (m *Manager) current(rt *runtime, gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rt.gen == gen
}

// handleExit records the end of a process unless it has been replaced.
func (m *Manager) handleExit(rt *runtime, gen uint64, exitCode int, err error) {
	status := model.SessionStatusExited
	if err != nil {
		status = model.SessionStatusFailed
	}

	m.mu.Lock()
	if rt.gen != gen {
		m.mu.Unlock()
		return
	}
	rt.process = nil
	rt.session.Status = status
	rt.session.ExitCode = &exitCode
	rt.session.PID = nil
	rt.session.UpdatedAt = time.Now()
	id, name := rt.session.ID, rt.session.Name
	m.mu.Unlock()

	m.watcher.Unwatch(id)
	if updateErr := m.repo.UpdateStatus(context.Background(), id, status, &exitCode); updateErr != nil {
		log.Printf("Failed to update status of session %s: %v", name, updateErr)
	}

	message := fmt.Sprintf("session %s exited with code %d", name, exitCode)
	if err != nil {
		message = fmt.Sprintf("session %s failed: %v", name, err)
	}
	log.Print(message)
	m.notify().SessionExited(id, message)
	rt.detector.Reset()
}

func (m *Manager) idleChanged(rt *runtime, state protocol.IdleState) {
	m.mu.Lock()
	rt.session.IdleState = string(state)
	id, deleted := rt.session.ID, m.sessions[rt.session.ID] != rt
	m.mu.Unlock()
	if deleted {
		return
	}

	if err := m.repo.UpdateIdleState(context.Background(), id, string(state)); err != nil {
		log.Printf("Failed to store idle state of session %s: %v", id, err)
	}
	m.notify().SessionIdle(id, state)
}

// Get returns the session with the given name.
func (m *Manager) Get(ctx context.Context, name string) (*model.Session, error) {
	return m.Lookup(ctx, name)
}

// Lookup returns the session with the given name, preferring live state
// over the stored record.
func (m *Manager) Lookup(ctx context.Context, name string) (*model.Session, error) {
	if rt := m.byName(name); rt != nil {
		return m.snapshot(rt), nil
	}
	return m.repo.GetByName(ctx, name)
}

func (m *Manager) byName(name string) *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rt := range m.sessions {
		if rt.session.Name == name {
			return rt
		}
	}
	return nil
}

func (m *Manager) byID(id string) *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) snapshot(rt *runtime) *model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rt.session.Clone()
}

// List returns every session, oldest first.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	sessions, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i, s := range sessions {
		if rt := m.byID(s.ID); rt != nil {
			sessions[i] = m.snapshot(rt)
		}
	}
	return sessions, nil
}

// Delete kills a session's process and removes its record. Attached clients
// are told the session is gone.
func (m *Manager) Delete(ctx context.Context, name string) error {
	session, err := m.Lookup(ctx, name)
	if err != nil {
		return err
	}

	if rt := m.byID(session.ID); rt != nil {
		m.mu.Lock()
		proc := rt.process
		rt.process = nil
		m.mu.Unlock()
		m.untrack(rt)

		m.watcher.Unwatch(session.ID)
		rt.detector.Close()
		if proc != nil {
			if err := proc.Close(); err != nil {
				log.Printf("Error closing process of session %s: %v", name, err)
			}
		}
	}

	if err := m.repo.Delete(ctx, session.ID); err != nil {
		return err
	}
	m.notify().SessionExited(session.ID, fmt.Sprintf("session %s was deleted", name))
	return nil
}

// Rename gives a session a new name. Attached clients are keyed by session
// ID and stay attached.
func (m *Manager) Rename(ctx context.Context, name, newName string) (*model.Session, error) {
	if err := model.ValidateName(newName); err != nil {
		return nil, err
	}
	session, err := m.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if name == newName {
		return session, nil
	}
	if err := m.repo.Rename(ctx, session.ID, newName); err != nil {
		return nil, err
	}

	if rt := m.byID(session.ID); rt != nil {
		m.mu.Lock()
		rt.session.Name = newName
		rt.session.UpdatedAt = time.Now()
		m.mu.Unlock()
		return m.snapshot(rt), nil
	}
	session.Name = newName
	return session, nil
}

// Reset kills the session's process, if any, and starts its command again
// under the same session. Attached clients stay attached.
func (m *Manager) Reset(ctx context.Context, name string) (*model.Session, error) {
	session, err := m.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !session.IsRunning() {
		if err := m.checkLimit(ctx); err != nil {
			return nil, err
		}
	}

	rt := m.track(session)
	m.mu.Lock()
	rt.gen++
	old := rt.process
	rt.process = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("Error closing process of session %s: %v", name, err)
		}
	}
	rt.detector.Reset()

	if err := m.spawn(ctx, rt); err != nil {
		m.mu.Lock()
		rt.session.Status = model.SessionStatusFailed
		m.mu.Unlock()
		if updateErr := m.repo.UpdateStatus(context.Background(), session.ID, model.SessionStatusFailed, nil); updateErr != nil {
			log.Printf("Failed to update status of session %s: %v", name, updateErr)
		}
		m.notify().SessionExited(session.ID, fmt.Sprintf("session %s failed to restart: %v", name, err))
		return nil, fmt.Errorf("failed to restart session: %w", err)
	}
	log.Printf("Session %s restarted", name)
	return m.snapshot(rt), nil
}

// Send types text into the session the way a user would, optionally
// followed by Enter.
func (m *Manager) Send(ctx context.Context, name, text string, enter bool) error {
	session, err := m.Lookup(ctx, name)
	if err != nil {
		return err
	}
	p, err := m.process(session.ID)
	if err != nil {
		return err
	}
	return p.WriteCommand(text, enter)
}

func (m *Manager) process(id string) (*pty.PTYProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if rt.process == nil {
		return nil, model.ErrSessionDead
	}
	return rt.process, nil
}

// Alive reports whether the session currently has a process.
func (m *Manager) Alive(id string) bool {
	_, err := m.process(id)
	return err == nil
}

// History returns the buffered output of the session's current process.
func (m *Manager) History(id string) []byte {
	p, err := m.process(id)
	if err != nil {
		return nil
	}
	return p.GetHistory()
}

// IdleState returns the current idle classification of a session.
func (m *Manager) IdleState(id string) protocol.IdleState {
	if rt := m.byID(id); rt != nil {
		return rt.detector.State()
	}
	return protocol.IdleUnknown
}

// Write sends keystrokes to a session's process.
func (m *Manager) Write(id string, data []byte) error {
	p, err := m.process(id)
	if err != nil {
		return err
	}
	return p.Write(data)
}

// Resize changes the window size of a session's process.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	p, err := m.process(id)
	if err != nil {
		return err
	}
	return p.Resize(uint16(rows), uint16(cols))
}

// Close kills every process. Their records stay as they are and are marked
// exited by Recover on the next start.
func (m *Manager) Close() error {
	m.mu.Lock()
	runtimes := make([]*runtime, 0, len(m.sessions))
	var procs []*pty.PTYProcess
	for id, rt := range m.sessions {
		rt.gen++
		runtimes = append(runtimes, rt)
		if rt.process != nil {
			procs = append(procs, rt.process)
			rt.process = nil
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.watcher.Close()
	for _, rt := range runtimes {
		rt.detector.Close()
	}

	var errs []error
	for _, p := range procs {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
