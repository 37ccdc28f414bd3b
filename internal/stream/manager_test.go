package stream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

func TestConnectionManager_ConnectOpensChannel(t *testing.T) {
	h := newManagerHarness(t, nil)

	if got := h.m.Status().State; got != StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	h.m.Connect()
	attempt := h.dialer.next(t)
	if attempt.session != "alpha" {
		t.Errorf("dialed session %q, want alpha", attempt.session)
	}
	waitForState(t, h.m, StateConnecting)

	ch := attempt.accept()
	defer ch.fail(errBroken)
	waitForState(t, h.m, StateOpen)

	if !h.m.Send([]byte("ls\r")) {
		t.Fatal("Send returned false while open")
	}
	msg := ch.nextWrite(t)
	if msg.Type != protocol.TypeInput || msg.Data != "ls\r" {
		t.Errorf("wrote %+v, want input ls\\r", msg)
	}

	if !h.m.SendResize(120, 40) {
		t.Fatal("SendResize returned false while open")
	}
	msg = ch.nextWrite(t)
	if msg.Type != protocol.TypeResize || msg.Cols != 120 || msg.Rows != 40 {
		t.Errorf("wrote %+v, want resize 120x40", msg)
	}

	h.m.flush(t)
	want := []ConnectionState{StateConnecting, StateOpen}
	if got := h.rec.states(); !reflect.DeepEqual(got, want) {
		t.Errorf("status notifications = %v, want %v", got, want)
	}
}

func TestConnectionManager_ConcurrentConnectConverges(t *testing.T) {
	h := newManagerHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.m.Connect()
		}()
	}
	wg.Wait()

	ch := h.dialer.next(t).accept()
	defer ch.fail(errBroken)
	waitForState(t, h.m, StateOpen)

	h.m.Connect()
	h.m.flush(t)
	h.dialer.expectNone(t)

	if got := h.dialer.count.Load(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestConnectionManager_SendDroppedUnlessOpen(t *testing.T) {
	h := newManagerHarness(t, nil)

	if h.m.Send([]byte("x")) {
		t.Error("Send succeeded while idle")
	}

	h.m.Connect()
	attempt := h.dialer.next(t)
	waitForState(t, h.m, StateConnecting)
	if h.m.Send([]byte("x")) {
		t.Error("Send succeeded while connecting")
	}
	if h.m.SendResize(80, 24) {
		t.Error("SendResize succeeded while connecting")
	}

	ch := attempt.accept()
	waitForState(t, h.m, StateOpen)
	if h.m.SendResize(0, 24) {
		t.Error("SendResize accepted zero columns")
	}

	ch.fail(errBroken)
	waitForState(t, h.m, StateReconnecting)
	if h.m.Send([]byte("lost")) {
		t.Error("Send succeeded while reconnecting")
	}
	ch.expectNoWrite(t)
}

func TestConnectionManager_TransientCloseReconnects(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)

	ch.fail(errBroken)
	waitForState(t, h.m, StateReconnecting)

	st := h.m.Status()
	if !errors.Is(st.LastError, ErrConnectionLost) || !errors.Is(st.LastError, errBroken) {
		t.Errorf("LastError = %v, want connection lost wrapping %v", st.LastError, errBroken)
	}
	if !ch.closed.Load() {
		waitFor(t, "old channel closed", ch.closed.Load)
	}

	waitFor(t, "reconnect timer", func() bool { return len(h.timers.pending()) == 1 })
	if got := h.timers.pending()[0]; got != DefaultReconnectDelay {
		t.Errorf("reconnect delay = %v, want %v", got, DefaultReconnectDelay)
	}

	h.timers.fireAll()
	next := h.dialer.next(t)
	waitForState(t, h.m, StateConnecting)

	ch2 := next.accept()
	defer ch2.fail(errBroken)
	waitForState(t, h.m, StateOpen)
	if err := h.m.Status().LastError; err != nil {
		t.Errorf("LastError after reopen = %v, want nil", err)
	}
}

func TestConnectionManager_DialFailureReconnects(t *testing.T) {
	h := newManagerHarness(t, nil)

	h.m.Connect()
	dialErr := errors.New("connection refused")
	h.dialer.next(t).reject(dialErr)
	waitForState(t, h.m, StateReconnecting)

	if err := h.m.Status().LastError; !errors.Is(err, dialErr) {
		t.Errorf("LastError = %v, want %v", err, dialErr)
	}

	// Connect brings the pending reconnect forward.
	h.m.Connect()
	h.dialer.next(t)
	waitForState(t, h.m, StateConnecting)
	if pending := h.timers.pending(); len(pending) != 0 {
		t.Errorf("timer still pending after Connect: %v", pending)
	}
}

func TestConnectionManager_ReconnectDelay(t *testing.T) {
	tests := []struct {
		name    string
		delay   time.Duration
		jitter  time.Duration
		wantMin time.Duration
		wantMax time.Duration
	}{
		{"default", 0, 0, DefaultReconnectDelay, DefaultReconnectDelay},
		{"custom", 5 * time.Second, 0, 5 * time.Second, 5 * time.Second},
		{"below floor", 10 * time.Millisecond, 0, MinReconnectDelay, MinReconnectDelay},
		{"jitter only adds", time.Second, 500 * time.Millisecond, time.Second, 1500*time.Millisecond - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newManagerHarness(t, func(cfg *ManagerConfig) {
				cfg.ReconnectDelay = tt.delay
				cfg.ReconnectJitter = tt.jitter
			})

			h.m.Connect()
			h.dialer.next(t).reject(errBroken)
			waitFor(t, "reconnect timer", func() bool { return len(h.timers.pending()) == 1 })

			got := h.timers.pending()[0]
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("delay = %v, want within [%v, %v]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestConnectionManager_SessionDeadIsAbsorbing(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)

	ch.deliver(t, protocol.SessionDead("process exited with status 1"))
	waitForState(t, h.m, StateDead)

	st := h.m.Status()
	if st.SessionDeadMessage != "process exited with status 1" {
		t.Errorf("SessionDeadMessage = %q", st.SessionDeadMessage)
	}
	if !st.Dead() {
		t.Error("Dead() = false")
	}
	waitFor(t, "channel closed", ch.closed.Load)

	h.m.Connect()
	h.m.ForceReconnect()
	h.m.flush(t)
	h.dialer.expectNone(t)

	if h.timers.fireAll() != 0 {
		t.Error("a timer was still pending after the session died")
	}
	if h.m.Send([]byte("x")) {
		t.Error("Send succeeded on a dead session")
	}
	if got := h.m.Status().State; got != StateDead {
		t.Errorf("state = %s, want dead", got)
	}
}

func TestConnectionManager_SessionNotFound(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)

	ch.deliver(t, protocol.SessionNotFound("no session named alpha"))
	waitForState(t, h.m, StateDead)

	if got := h.m.Status().SessionDeadMessage; got != "no session named alpha" {
		t.Errorf("SessionDeadMessage = %q", got)
	}

	h.m.flush(t)
	types := h.rec.messageTypes()
	if len(types) != 1 || types[0] != protocol.TypeSessionNotFound {
		t.Errorf("delivered messages = %v, want [session_not_found]", types)
	}
}

func TestConnectionManager_SessionDeadWithoutMessage(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)

	ch.deliverRaw(t, []byte(`{"type":"session_dead"}`))
	waitForState(t, h.m, StateDead)

	if got := h.m.Status().SessionDeadMessage; got != string(protocol.TypeSessionDead) {
		t.Errorf("SessionDeadMessage = %q, want %q", got, protocol.TypeSessionDead)
	}
}

func TestConnectionManager_StaleChannelIgnored(t *testing.T) {
	h := newManagerHarness(t, nil)
	a := h.open(t)

	// A write failure tears A down while its reader is still delivering.
	a.failWrites.Store(true)
	h.m.Send([]byte("x"))
	waitForState(t, h.m, StateReconnecting)

	waitFor(t, "reconnect timer", func() bool { return len(h.timers.pending()) == 1 })
	h.timers.fireAll()
	b := h.dialer.next(t).accept()
	defer b.fail(errBroken)
	waitForState(t, h.m, StateOpen)
	h.m.flush(t)
	before := len(h.rec.messageTypes())

	a.deliver(t, protocol.Output([]byte("from A")))
	a.deliver(t, protocol.SessionDead("A is gone"))
	a.fail(errBroken)
	time.Sleep(20 * time.Millisecond)
	h.m.flush(t)

	if got := h.m.Status().State; got != StateOpen {
		t.Fatalf("state = %s after stale events, want open", got)
	}
	if got := len(h.rec.messageTypes()); got != before {
		t.Errorf("stale channel delivered %d messages", got-before)
	}

	b.deliver(t, protocol.Output([]byte("from B")))
	waitFor(t, "message from B", func() bool { return len(h.rec.messageTypes()) == before+1 })
}

func TestConnectionManager_StaleEventsInjected(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)
	defer ch.fail(errBroken)

	var stale uint64
	done := make(chan struct{})
	h.m.events.push(func() {
		stale = h.m.generation - 1
		close(done)
	})
	<-done

	frame, _ := protocol.Encode(protocol.SessionDead("stale"))
	h.m.events.push(frameEvent{generation: stale, frame: frame})
	h.m.events.push(channelClosedEvent{generation: stale, err: errBroken})
	h.m.events.push(dialedEvent{generation: stale, err: errBroken})
	h.m.events.push(timerEvent{seq: 99})
	h.m.flush(t)

	if got := h.m.Status(); got.State != StateOpen || got.LastError != nil {
		t.Errorf("status = %+v after stale events, want open without error", got)
	}
}

func TestConnectionManager_ForceReconnectWhileOpenIsNoop(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)
	defer ch.fail(errBroken)

	h.m.ForceReconnect()
	h.m.ForceReconnect()
	h.m.flush(t)
	h.dialer.expectNone(t)

	if got := h.m.Status().State; got != StateOpen {
		t.Errorf("state = %s, want open", got)
	}
	if ch.closed.Load() {
		t.Error("open channel was closed by ForceReconnect")
	}
	if !h.m.Send([]byte("still here")) {
		t.Error("Send failed after ForceReconnect")
	}
}

func TestConnectionManager_ForceReconnectCancelsTimer(t *testing.T) {
	h := newManagerHarness(t, nil)

	h.m.Connect()
	h.dialer.next(t).reject(errBroken)
	waitFor(t, "reconnect timer", func() bool { return len(h.timers.pending()) == 1 })

	h.m.ForceReconnect()
	h.dialer.next(t)
	waitForState(t, h.m, StateConnecting)

	if pending := h.timers.pending(); len(pending) != 0 {
		t.Errorf("timer still pending after ForceReconnect: %v", pending)
	}
}

func TestConnectionManager_ForceReconnectAbandonsHandshake(t *testing.T) {
	h := newManagerHarness(t, nil)

	h.m.Connect()
	stuck := h.dialer.next(t)
	waitForState(t, h.m, StateConnecting)

	h.m.ForceReconnect()
	fresh := h.dialer.next(t)

	select {
	case <-stuck.ctx.Done():
	case <-time.After(waitTimeout):
		t.Fatal("stuck handshake was not cancelled")
	}

	ch := fresh.accept()
	defer ch.fail(errBroken)
	waitForState(t, h.m, StateOpen)
	h.m.flush(t)
	h.dialer.expectNone(t)
}

func TestConnectionManager_LateDialResultClosed(t *testing.T) {
	h := newManagerHarness(t, nil)

	h.m.Connect()
	first := h.dialer.next(t)
	waitForState(t, h.m, StateConnecting)
	h.m.ForceReconnect()
	second := h.dialer.next(t)

	// The superseded dial completes anyway.
	late := newFakeChannel()
	first.result <- dialResult{channel: late}

	ch := second.accept()
	defer ch.fail(errBroken)
	waitForState(t, h.m, StateOpen)
	h.m.flush(t)

	h.m.Send([]byte("x"))
	if msg := ch.nextWrite(t); msg.Data != "x" {
		t.Errorf("current channel got %+v, want input x", msg)
	}
	late.expectNoWrite(t)
}

func TestConnectionManager_ServerErrorIsNotFatal(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)

	ch.deliver(t, protocol.Error("pty write failed"))
	waitFor(t, "server error recorded", func() bool { return h.m.Status().LastError != nil })

	st := h.m.Status()
	var serverErr *ServerError
	if !errors.As(st.LastError, &serverErr) || serverErr.Message != "pty write failed" {
		t.Errorf("LastError = %v, want server error", st.LastError)
	}
	if st.State != StateOpen {
		t.Errorf("state = %s, want open", st.State)
	}

	h.m.flush(t)
	types := h.rec.messageTypes()
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Errorf("delivered = %v, want [error]", types)
	}
}

func TestConnectionManager_MessagesInOrder(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)

	ch.deliver(t, protocol.Output([]byte("one")))
	ch.deliverRaw(t, []byte("\x1b[2J"))
	ch.deliver(t, protocol.StateChange(protocol.IdleWorking))
	ch.deliver(t, protocol.Resize(100, 30))
	h.m.flush(t)

	want := []protocol.MessageType{
		protocol.TypeOutput,
		protocol.TypeOutput,
		protocol.TypeStateChange,
		protocol.TypeResize,
	}
	if got := h.rec.messageTypes(); !reflect.DeepEqual(got, want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
	if !h.m.RemoteResize().IsSet() {
		t.Error("remote resize flag not set after server resize")
	}
	if raw := h.rec.messages[1]; raw.Data != "\x1b[2J" {
		t.Errorf("raw frame delivered as %q", raw.Data)
	}
}

func TestConnectionManager_CloseStopsEverything(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := h.open(t)
	defer ch.fail(errBroken)
	h.m.flush(t)

	h.m.Close()
	h.m.Close()

	waitFor(t, "channel closed", ch.closed.Load)
	if h.m.Send([]byte("x")) {
		t.Error("Send succeeded after Close")
	}

	count := len(h.rec.states())
	h.m.Connect()
	ch.fail(errBroken)
	time.Sleep(20 * time.Millisecond)
	if got := len(h.rec.states()); got != count {
		t.Errorf("%d status callbacks after Close", got-count)
	}
	h.dialer.expectNone(t)
}

func TestConnectionManager_CloseFromHandler(t *testing.T) {
	dialer := newFakeDialer()
	closed := make(chan struct{})
	var m *ConnectionManager
	m = NewConnectionManager(ManagerConfig{
		Session:   "alpha",
		Dialer:    dialer,
		afterFunc: (&manualTimers{}).afterFunc,
		OnStatus: func(s Status) {
			if s.Dead() {
				m.Close()
				close(closed)
			}
		},
	})

	m.Connect()
	ch := dialer.next(t).accept()
	defer ch.fail(errBroken)
	waitForState(t, m, StateOpen)
	ch.deliver(t, protocol.SessionDead("bye"))

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("Close from a handler did not return")
	}
}

// For any sequence of failures without a dead signal, the manager keeps
// coming back to Connecting.
func TestConnectionManager_LivenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.MaxSize = 6

	properties := gopter.NewProperties(parameters)

	properties.Property("transient failures always lead back to connecting", prop.ForAll(
		func(failAfterOpen []bool) bool {
			dialer := newFakeDialer()
			timers := &manualTimers{}
			m := NewConnectionManager(ManagerConfig{Session: "alpha", Dialer: dialer, afterFunc: timers.afterFunc})
			defer m.Close()

			m.Connect()
			for _, afterOpen := range failAfterOpen {
				attempt, ok := dialer.tryNext()
				if !ok {
					return false
				}
				if afterOpen {
					ch := attempt.accept()
					if !eventually(func() bool { return m.Status().State == StateOpen }) {
						return false
					}
					ch.fail(errBroken)
				} else {
					attempt.reject(errBroken)
				}

				if !eventually(func() bool { return len(timers.pending()) == 1 }) {
					return false
				}
				if m.Status().State != StateReconnecting || m.Status().LastError == nil {
					return false
				}
				timers.fireAll()
				if !eventually(func() bool { return m.Status().State == StateConnecting }) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// Once Dead, no sequence of events leaves Dead.
func TestConnectionManager_AbsorptionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("dead is absorbing", prop.ForAll(
		func(ops []int) bool {
			dialer := newFakeDialer()
			timers := &manualTimers{}
			m := NewConnectionManager(ManagerConfig{Session: "alpha", Dialer: dialer, afterFunc: timers.afterFunc})
			defer m.Close()

			m.Connect()
			attempt, ok := dialer.tryNext()
			if !ok {
				return false
			}
			ch := attempt.accept()
			defer ch.fail(errBroken)
			if !eventually(func() bool { return m.Status().State == StateOpen }) {
				return false
			}
			frame, _ := protocol.Encode(protocol.SessionDead("exited"))
			ch.incoming <- frame
			if !eventually(func() bool { return m.Status().State == StateDead }) {
				return false
			}

			var seen []ConnectionState
			for _, op := range ops {
				switch op {
				case 0:
					m.Connect()
				case 1:
					m.ForceReconnect()
				case 2:
					m.Send([]byte("x"))
				case 3:
					timers.fireAll()
				case 4:
					out, _ := protocol.Encode(protocol.Output([]byte("late")))
					select {
					case ch.incoming <- out:
					case <-time.After(10 * time.Millisecond):
					}
				}
				seen = append(seen, m.Status().State)
			}

			done := make(chan struct{})
			m.events.push(func() { close(done) })
			<-done

			for _, s := range seen {
				if s != StateDead {
					return false
				}
			}
			return m.Status().State == StateDead && dialer.count.Load() == 1
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}

// lateDialer completes its handshake whenever the test says so, ignoring
// cancellation the way a dial past the handshake does.
type lateDialer struct {
	started chan struct{}
	release chan struct{}
	channel *fakeChannel
}

func (d *lateDialer) Dial(ctx context.Context, session string) (Channel, error) {
	d.started <- struct{}{}
	<-d.release
	return d.channel, nil
}

func TestConnectionManager_CloseClosesChannelFromLateDial(t *testing.T) {
	d := &lateDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		channel: newFakeChannel(),
	}
	h := newManagerHarness(t, func(c *ManagerConfig) { c.Dialer = d })

	h.m.Connect()
	select {
	case <-d.started:
	case <-time.After(waitTimeout):
		t.Fatal("dial never started")
	}

	h.m.Close()
	close(d.release)

	waitFor(t, "channel from a dial finishing after Close to be closed", d.channel.closed.Load)
}

func TestConnectionManager_DiscardClosesDialedChannels(t *testing.T) {
	h := newManagerHarness(t, nil)
	dialed := newFakeChannel()

	h.m.discard([]any{
		frameEvent{generation: 1, frame: []byte("x")},
		dialedEvent{generation: 2, channel: dialed},
		dialedEvent{generation: 3, err: errBroken},
		timerEvent{},
	})

	waitFor(t, "dialed channel closed", dialed.closed.Load)
}

func TestQueue_CloseReturnsLeftovers(t *testing.T) {
	q := newQueue[int]()
	for i := 1; i <= 3; i++ {
		if !q.push(i) {
			t.Fatalf("push(%d) rejected on an open queue", i)
		}
	}
	if got := q.take(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("take = %v", got)
	}

	q.push(4)
	if got := q.close(); !reflect.DeepEqual(got, []int{4}) {
		t.Errorf("close returned %v, want [4]", got)
	}
	if q.push(5) {
		t.Error("push accepted after close")
	}
	if got := q.take(); len(got) != 0 {
		t.Errorf("take after close = %v", got)
	}
}

func TestConnectionManager_RemoteResizeMarkedWhenDelivered(t *testing.T) {
	flag := &RemoteResizeFlag{}
	gate := make(chan struct{})
	var (
		mu            sync.Mutex
		setOnDelivery bool
	)
	h := newManagerHarness(t, func(c *ManagerConfig) {
		c.RemoteResize = flag
		c.OnMessage = func(msg protocol.Message) {
			switch msg.Type {
			case protocol.TypeOutput:
				<-gate
			case protocol.TypeResize:
				mu.Lock()
				setOnDelivery = flag.IsSet()
				mu.Unlock()
			}
		}
	})
	ch := h.open(t)

	ch.deliver(t, protocol.Output([]byte("first")))
	ch.deliver(t, protocol.Resize(100, 30))
	ch.deliver(t, protocol.Output([]byte("second")))

	// The loop has seen the resize, but the notifier is still held up
	// before it.
	looped := make(chan struct{})
	h.m.events.push(func() { close(looped) })
	select {
	case <-looped:
	case <-time.After(waitTimeout):
		t.Fatal("loop did not drain")
	}
	if flag.IsSet() {
		t.Error("flag marked before the resize reached the handler")
	}

	close(gate)
	h.m.flush(t)

	mu.Lock()
	defer mu.Unlock()
	if !setOnDelivery {
		t.Error("flag not marked when the resize was delivered")
	}
	if !flag.IsSet() {
		t.Error("flag cleared without a consumer")
	}
}
