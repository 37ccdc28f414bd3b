package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

const waitTimeout = 2 * time.Second

var errBroken = errors.New("broken pipe")

// fakeChannel is a Channel driven by the test. Like a real socket whose
// events are still draining, its reader keeps delivering after Close until
// the test breaks it.
type fakeChannel struct {
	incoming chan []byte
	writes   chan []byte

	brokenCh  chan struct{}
	brokenErr error
	breakOnce sync.Once

	failWrites atomic.Bool
	closed     atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan []byte),
		writes:   make(chan []byte, 64),
		brokenCh: make(chan struct{}),
	}
}

func (c *fakeChannel) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.incoming:
		return frame, nil
	case <-c.brokenCh:
		return nil, c.brokenErr
	}
}

func (c *fakeChannel) WriteMessage(frame []byte) error {
	if c.failWrites.Load() {
		return errBroken
	}
	select {
	case c.writes <- append([]byte(nil), frame...):
	default:
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// fail makes the reader return err.
func (c *fakeChannel) fail(err error) {
	c.breakOnce.Do(func() {
		c.brokenErr = err
		close(c.brokenCh)
	})
}

func (c *fakeChannel) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.deliverRaw(t, frame)
}

func (c *fakeChannel) deliverRaw(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case c.incoming <- frame:
	case <-time.After(waitTimeout):
		t.Fatal("channel reader never took the frame")
	}
}

// nextWrite returns the next frame the manager wrote, decoded.
func (c *fakeChannel) nextWrite(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case frame := <-c.writes:
		msg, raw := protocol.Decode(frame)
		if raw {
			t.Fatalf("manager wrote a non-envelope frame %q", frame)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no frame written")
		return protocol.Message{}
	}
}

func (c *fakeChannel) expectNoWrite(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.writes:
		t.Fatalf("unexpected frame written: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

type dialResult struct {
	channel Channel
	err     error
}

// dialAttempt is one pending Dial call, answered by the test.
type dialAttempt struct {
	ctx     context.Context
	session string
	result  chan dialResult
}

func (a *dialAttempt) accept() *fakeChannel {
	ch := newFakeChannel()
	a.result <- dialResult{channel: ch}
	return ch
}

func (a *dialAttempt) reject(err error) {
	a.result <- dialResult{err: err}
}

type fakeDialer struct {
	attempts chan *dialAttempt
	count    atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{attempts: make(chan *dialAttempt, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, session string) (Channel, error) {
	d.count.Add(1)
	a := &dialAttempt{ctx: ctx, session: session, result: make(chan dialResult, 1)}
	d.attempts <- a
	select {
	case r := <-a.result:
		return r.channel, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next(t *testing.T) *dialAttempt {
	t.Helper()
	select {
	case a := <-d.attempts:
		return a
	case <-time.After(waitTimeout):
		t.Fatal("expected a dial attempt")
		return nil
	}
}

func (d *fakeDialer) tryNext() (*dialAttempt, bool) {
	select {
	case a := <-d.attempts:
		return a, true
	case <-time.After(waitTimeout):
		return nil, false
	}
}

func (d *fakeDialer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case a := <-d.attempts:
		t.Fatalf("unexpected dial attempt for %q", a.session)
	case <-time.After(50 * time.Millisecond):
	}
}

// manualTimers is an afterFunc whose timers fire only when the test says so.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) func() bool {
	tm := &manualTimer{d: d, f: f}
	m.mu.Lock()
	m.timers = append(m.timers, tm)
	m.mu.Unlock()
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if tm.stopped || tm.fired {
			return false
		}
		tm.stopped = true
		return true
	}
}

// pending returns the delays of timers that are neither stopped nor fired.
func (m *manualTimers) pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, tm := range m.timers {
		if !tm.stopped && !tm.fired {
			out = append(out, tm.d)
		}
	}
	return out
}

// fireAll runs every pending timer and returns how many fired.
func (m *manualTimers) fireAll() int {
	m.mu.Lock()
	var due []*manualTimer
	for _, tm := range m.timers {
		if !tm.stopped && !tm.fired {
			tm.fired = true
			due = append(due, tm)
		}
	}
	m.mu.Unlock()

	for _, tm := range due {
		tm.f()
	}
	return len(due)
}

// eventually polls cond until it holds or the timeout passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !eventually(cond) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitForState(t *testing.T, m *ConnectionManager, want ConnectionState) {
	t.Helper()
	if !eventually(func() bool { return m.Status().State == want }) {
		t.Fatalf("state = %s, want %s", m.Status().State, want)
	}
}

// flush waits until the loop has handled everything queued so far and the
// notifier has delivered the resulting callbacks.
func (m *ConnectionManager) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	m.events.push(func() {
		m.notes.push(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("manager did not flush")
	}
}

// recorder collects callbacks.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	messages []protocol.Message
}

func (r *recorder) onStatus(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) onMessage(msg protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) messageTypes() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, len(r.messages))
	for i, msg := range r.messages {
		out[i] = msg.Type
	}
	return out
}

func (r *recorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.State
	}
	return out
}

type managerHarness struct {
	m      *ConnectionManager
	dialer *fakeDialer
	timers *manualTimers
	rec    *recorder
}

func newManagerHarness(t *testing.T, mutate func(*ManagerConfig)) *managerHarness {
	t.Helper()
	h := &managerHarness{
		dialer: newFakeDialer(),
		timers: &manualTimers{},
		rec:    &recorder{},
	}
	cfg := ManagerConfig{
		Session:   "alpha",
		Dialer:    h.dialer,
		OnMessage: h.rec.onMessage,
		OnStatus:  h.rec.onStatus,
		afterFunc: h.timers.afterFunc,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = NewConnectionManager(cfg)
	t.Cleanup(h.m.Close)
	return h
}

// open connects and returns the accepted channel once the manager is Open.
func (h *managerHarness) open(t *testing.T) *fakeChannel {
	t.Helper()
	h.m.Connect()
	ch := h.dialer.next(t).accept()
	t.Cleanup(func() { ch.fail(errBroken) })
	waitForState(t, h.m, StateOpen)
	return ch
}
