package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

const (
	// DefaultReconnectDelay is how long the manager waits after losing a
	// channel before dialing again.
	DefaultReconnectDelay = 2 * time.Second

	// MinReconnectDelay is the floor applied to configured delays so a down
	// server is never hot-looped.
	MinReconnectDelay = 250 * time.Millisecond

	defaultSendBuffer = 256
)

// ServerError is an error frame reported by the server. It never ends the
// session on its own.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// ErrConnectionLost wraps transport failures of an established channel.
var ErrConnectionLost = errors.New("connection lost")

// RemoteResizeFlag records that another client resized the shared session.
// The ConnectionManager is its only writer; the ResizeSynchronizer is its
// only clearer.
type RemoteResizeFlag struct {
	set atomic.Bool
}

func (f *RemoteResizeFlag) mark() {
	f.set.Store(true)
}

// IsSet reports whether a remote resize is pending.
func (f *RemoteResizeFlag) IsSet() bool {
	return f.set.Load()
}

func (f *RemoteResizeFlag) consume() bool {
	return f.set.Swap(false)
}

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	Session string
	Dialer  Dialer

	// ReconnectDelay defaults to DefaultReconnectDelay and is never below
	// MinReconnectDelay.
	ReconnectDelay time.Duration

	// ReconnectJitter adds a random [0, jitter) to every reconnect delay.
	ReconnectJitter time.Duration

	// SendBuffer is the number of outbound frames queued per channel.
	SendBuffer int

	// RemoteResize is marked when the server announces a geometry change.
	// A private flag is used when nil.
	RemoteResize *RemoteResizeFlag

	// OnMessage and OnStatus run on the manager's notifier goroutine, in
	// the order the events happened. They may call back into the manager.
	OnMessage func(protocol.Message)
	OnStatus  func(Status)

	Logger *slog.Logger

	afterFunc afterFunc
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectDelay < MinReconnectDelay {
		c.ReconnectDelay = MinReconnectDelay
	}
	if c.ReconnectJitter < 0 {
		c.ReconnectJitter = 0
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.RemoteResize == nil {
		c.RemoteResize = &RemoteResizeFlag{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.afterFunc == nil {
		c.afterFunc = realAfterFunc
	}
	return c
}

// Events handled by the loop. Transport events carry the generation of the
// channel they were created for.
type (
	connectEvent struct{ force bool }
	closeEvent   struct{}

	dialedEvent struct {
		generation uint64
		channel    Channel
		err        error
	}
	frameEvent struct {
		generation uint64
		frame      []byte
	}
	channelClosedEvent struct {
		generation uint64
		err        error
	}
	timerEvent struct {
		seq uint64
	}
)

// link is one established channel together with its write side.
type link struct {
	generation uint64
	channel    Channel
	send       chan []byte
	stop       chan struct{}
}

// ConnectionManager owns the single live channel of one session. All state
// transitions happen on one event-loop goroutine.
type ConnectionManager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	events *queue[any]
	notes  *queue[func()]
	done   chan struct{}
	closed atomic.Bool

	closeOnce sync.Once

	// mu guards the snapshot read by other goroutines. Only the loop
	// writes it.
	mu     sync.RWMutex
	status Status
	active *link

	// Owned by the loop goroutine.
	generation uint64
	cancelDial context.CancelFunc
	timerSeq   uint64
	stopTimer  func() bool
}

// NewConnectionManager starts the manager's goroutines. The manager stays
// Idle until Connect is called.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	cfg = cfg.withDefaults()
	m := &ConnectionManager{
		cfg:    cfg,
		logger: cfg.Logger.With("session", cfg.Session),
		events: newQueue[any](),
		notes:  newQueue[func()](),
		done:   make(chan struct{}),
	}
	go m.run()
	go m.notify()
	return m
}

// Connect opens a channel unless one is open or being opened. A pending
// reconnect is brought forward.
func (m *ConnectionManager) Connect() {
	m.events.push(connectEvent{})
}

// ForceReconnect cancels a pending reconnect, abandons a handshake in
// progress and dials at once. It does nothing while Open or Dead.
func (m *ConnectionManager) ForceReconnect() {
	m.events.push(connectEvent{force: true})
}

// Send queues input for the remote terminal. It reports false when the
// channel is not open; nothing is buffered across disconnects.
func (m *ConnectionManager) Send(data []byte) bool {
	return m.sendMessage(protocol.Input(data))
}

// SendResize tells the server the terminal's geometry. It reports false
// when the channel is not open or the geometry is invalid.
func (m *ConnectionManager) SendResize(cols, rows int) bool {
	if cols <= 0 || rows <= 0 {
		return false
	}
	return m.sendMessage(protocol.Resize(cols, rows))
}

func (m *ConnectionManager) sendMessage(msg protocol.Message) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Debug("encode failed", "type", msg.Type, "error", err)
		return false
	}

	m.mu.RLock()
	l := m.active
	open := m.status.State == StateOpen
	m.mu.RUnlock()
	if !open || l == nil {
		return false
	}

	select {
	case l.send <- frame:
		return true
	case <-l.stop:
		return false
	default:
		m.logger.Debug("send buffer full, dropping frame", "type", msg.Type)
		return false
	}
}

// Status returns the current status.
func (m *ConnectionManager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// RemoteResize returns the flag the manager marks on server resizes.
func (m *ConnectionManager) RemoteResize() *RemoteResizeFlag {
	return m.cfg.RemoteResize
}

// Close cancels timers and dials, closes the channel and waits for the
// event loop to stop. No handler runs after Close returns, except one that
// was already running. Close may be called from a handler.
func (m *ConnectionManager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.events.push(closeEvent{})
	})
	<-m.done
}

func (m *ConnectionManager) run() {
	defer close(m.done)
	for range m.events.signal {
		batch := m.events.take()
		for i, ev := range batch {
			if m.handle(ev) {
				m.discard(batch[i+1:])
				m.discard(m.events.close())
				m.notes.close()
				return
			}
		}
	}
}

// discard drops events left behind by Close. A dial that completed in the
// meantime still holds an open channel, which is closed here.
func (m *ConnectionManager) discard(events []any) {
	for _, ev := range events {
		if d, ok := ev.(dialedEvent); ok && d.channel != nil {
			go d.channel.Close()
		}
	}
}

// notify delivers handler calls in order, off the event loop, so a handler
// can call any manager method.
func (m *ConnectionManager) notify() {
	for {
		select {
		case <-m.notes.signal:
			for _, fn := range m.notes.take() {
				if m.closed.Load() {
					return
				}
				fn()
			}
		case <-m.done:
			return
		}
	}
}

// handle processes one event and reports whether the loop should exit.
func (m *ConnectionManager) handle(ev any) bool {
	switch ev := ev.(type) {
	case connectEvent:
		m.handleConnect(ev.force)
	case dialedEvent:
		m.handleDialed(ev)
	case frameEvent:
		m.handleFrame(ev)
	case channelClosedEvent:
		m.handleChannelClosed(ev)
	case timerEvent:
		m.handleTimer(ev)
	case closeEvent:
		m.teardown()
		return true
	case func():
		// Runs on the loop, after everything queued before it.
		ev()
	}
	return false
}

func (m *ConnectionManager) handleConnect(force bool) {
	switch m.status.State {
	case StateOpen, StateDead:
		return
	case StateConnecting:
		if !force {
			return
		}
		m.logger.Debug("abandoning handshake in progress")
	case StateReconnecting:
		m.cancelTimer()
	}
	m.dial()
}

func (m *ConnectionManager) dial() {
	m.abortDial()
	m.generation++
	gen := m.generation

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel

	m.logger.Debug("dialing", "generation", gen)
	go func() {
		ch, err := m.cfg.Dialer.Dial(ctx, m.cfg.Session)
		if !m.events.push(dialedEvent{generation: gen, channel: ch, err: err}) && ch != nil {
			ch.Close()
		}
	}()

	m.publish(StateConnecting, m.status.LastError, "")
}

func (m *ConnectionManager) handleDialed(ev dialedEvent) {
	if ev.generation != m.generation || m.status.State != StateConnecting {
		if ev.channel != nil {
			go ev.channel.Close()
		}
		m.logger.Debug("dropping stale dial result", "generation", ev.generation, "current", m.generation)
		return
	}
	m.abortDial()

	if ev.err != nil {
		m.logger.Debug("dial failed", "error", ev.err)
		m.scheduleReconnect(ev.err)
		return
	}

	l := &link{
		generation: ev.generation,
		channel:    ev.channel,
		send:       make(chan []byte, m.cfg.SendBuffer),
		stop:       make(chan struct{}),
	}
	m.mu.Lock()
	m.active = l
	m.mu.Unlock()

	go m.readPump(l)
	go m.writePump(l)

	m.publish(StateOpen, nil, "")
}

// readPump forwards frames from the channel to the loop until the channel
// fails.
func (m *ConnectionManager) readPump(l *link) {
	for {
		frame, err := l.channel.ReadMessage()
		if err != nil {
			m.events.push(channelClosedEvent{generation: l.generation, err: err})
			return
		}
		m.events.push(frameEvent{generation: l.generation, frame: frame})
	}
}

// writePump drains the send queue and keeps the channel alive with pings.
func (m *ConnectionManager) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-l.send:
			if err := l.channel.WriteMessage(frame); err != nil {
				m.events.push(channelClosedEvent{generation: l.generation, err: err})
				return
			}
		case <-ticker.C:
			p, ok := l.channel.(pinger)
			if !ok {
				continue
			}
			if err := p.Ping(); err != nil {
				m.events.push(channelClosedEvent{generation: l.generation, err: err})
				return
			}
		case <-l.stop:
			return
		}
	}
}

func (m *ConnectionManager) handleFrame(ev frameEvent) {
	if !m.isCurrent(ev.generation) {
		m.logger.Debug("dropping frame from stale channel", "generation", ev.generation)
		return
	}

	msg, raw := protocol.Decode(ev.frame)
	if raw {
		m.logger.Debug("treating frame as raw output", "bytes", len(ev.frame))
	}

	switch {
	case msg.IsTerminal():
		m.die(msg)
	case msg.Type == protocol.TypeError:
		m.publish(m.status.State, &ServerError{Message: msg.Message}, "")
	}

	m.deliver(msg)
}

func (m *ConnectionManager) handleChannelClosed(ev channelClosedEvent) {
	if !m.isCurrent(ev.generation) {
		m.logger.Debug("dropping close from stale channel", "generation", ev.generation)
		return
	}
	m.releaseLink()
	m.scheduleReconnect(fmt.Errorf("%w: %w", ErrConnectionLost, ev.err))
}

func (m *ConnectionManager) handleTimer(ev timerEvent) {
	if ev.seq != m.timerSeq || m.status.State != StateReconnecting {
		return
	}
	m.stopTimer = nil
	m.dial()
}

func (m *ConnectionManager) isCurrent(generation uint64) bool {
	return m.active != nil && m.active.generation == generation && m.status.State == StateOpen
}

func (m *ConnectionManager) scheduleReconnect(cause error) {
	delay := m.cfg.ReconnectDelay
	if m.cfg.ReconnectJitter > 0 {
		delay += rand.N(m.cfg.ReconnectJitter)
	}

	m.cancelTimer()
	m.publish(StateReconnecting, cause, "")

	m.timerSeq++
	seq := m.timerSeq
	m.stopTimer = m.cfg.afterFunc(delay, func() {
		m.events.push(timerEvent{seq: seq})
	})
	m.logger.Debug("reconnect scheduled", "delay", delay, "error", cause)
}

// die makes the session Dead. Nothing leaves Dead.
func (m *ConnectionManager) die(msg protocol.Message) {
	m.cancelTimer()
	m.abortDial()
	m.releaseLink()
	m.generation++

	message := msg.Message
	if message == "" {
		message = string(msg.Type)
	}
	m.logger.Debug("session ended", "type", msg.Type, "message", message)
	m.publish(StateDead, m.status.LastError, message)
}

func (m *ConnectionManager) teardown() {
	m.cancelTimer()
	m.abortDial()
	m.releaseLink()
	m.generation++
}

// releaseLink clears the active reference before closing the channel so
// events still in flight from it are recognised as stale.
func (m *ConnectionManager) releaseLink() {
	l := m.active
	if l == nil {
		return
	}
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()

	close(l.stop)
	go l.channel.Close()
}

func (m *ConnectionManager) cancelTimer() {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}

func (m *ConnectionManager) abortDial() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

// publish updates the status snapshot and notifies OnStatus when anything
// changed.
func (m *ConnectionManager) publish(state ConnectionState, lastErr error, deadMessage string) {
	next := Status{State: state, LastError: lastErr, SessionDeadMessage: deadMessage}

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev.State == next.State && sameError(prev.LastError, next.LastError) && prev.SessionDeadMessage == next.SessionDeadMessage {
		return
	}
	if prev.State != next.State {
		m.logger.Debug("state changed", "from", prev.State, "to", next.State)
	}
	if m.cfg.OnStatus != nil {
		onStatus := m.cfg.OnStatus
		m.notes.push(func() { onStatus(next) })
	}
}

// sameError compares errors by message; error values are not always
// comparable with ==.
func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}

// deliver hands msg to OnMessage on the notifier. A server resize marks the
// remote-resize flag right before the handler applies it, so a focus re-fit
// never consumes the flag ahead of the geometry it stands for.
func (m *ConnectionManager) deliver(msg protocol.Message) {
	onMessage := m.cfg.OnMessage
	flag := m.cfg.RemoteResize
	if msg.Type == protocol.TypeResize {
		m.notes.push(func() {
			flag.mark()
			if onMessage != nil {
				onMessage(msg)
			}
		})
		return
	}
	if onMessage != nil {
		m.notes.push(func() { onMessage(msg) })
	}
}
