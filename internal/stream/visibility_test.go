package stream

import (
	"sync"
	"testing"
)

type fakeReconnector struct {
	mu     sync.Mutex
	state  ConnectionState
	forced int
}

func (r *fakeReconnector) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{State: r.state}
}

func (r *fakeReconnector) ForceReconnect() {
	r.mu.Lock()
	r.forced++
	r.mu.Unlock()
}

func (r *fakeReconnector) forcedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forced
}

type visibilityHarness struct {
	conn     *fakeReconnector
	sender   *fakeSender
	flag     *RemoteResizeFlag
	timers   *manualTimers
	resize   *ResizeSynchronizer
	r        *VisibilityReconciler
	viewport Viewport
}

func newVisibilityHarness(state ConnectionState) *visibilityHarness {
	h := &visibilityHarness{
		conn:     &fakeReconnector{state: state},
		sender:   &fakeSender{open: true},
		flag:     &RemoteResizeFlag{},
		timers:   &manualTimers{},
		viewport: Viewport{800, 600},
	}
	h.resize = newTestSynchronizer(h.sender, h.flag, h.timers, nil)
	h.r = NewVisibilityReconciler(h.conn, h.resize, func() Viewport { return h.viewport }, 0)
	h.r.after = h.timers.afterFunc
	return h
}

func TestVisibilityReconciler_ForegroundReconnects(t *testing.T) {
	tests := []struct {
		name       string
		state      ConnectionState
		wantForced int
	}{
		{"reconnecting", StateReconnecting, 1},
		{"connecting", StateConnecting, 1},
		{"idle", StateIdle, 1},
		{"open", StateOpen, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newVisibilityHarness(tt.state)
			h.r.OnForeground()

			if got := h.conn.forcedCount(); got != tt.wantForced {
				t.Errorf("ForceReconnect called %d times, want %d", got, tt.wantForced)
			}
			pending := h.timers.pending()
			if len(pending) != 1 || pending[0] != DefaultRefitDelay {
				t.Errorf("pending timers = %v, want one re-fit after %v", pending, DefaultRefitDelay)
			}
		})
	}
}

func TestVisibilityReconciler_RefitAfterDelay(t *testing.T) {
	h := newVisibilityHarness(StateOpen)
	h.r.OnForeground()

	if sent := h.sender.sent(); len(sent) != 0 {
		t.Fatalf("re-fit ran before the delay: %v", sent)
	}
	h.timers.fireAll()
	if sent := h.sender.sent(); len(sent) != 1 || sent[0] != (Geometry{80, 30}) {
		t.Errorf("sent = %v, want [80x30]", sent)
	}
}

func TestVisibilityReconciler_ForegroundHonoursRemoteResize(t *testing.T) {
	h := newVisibilityHarness(StateOpen)
	h.resize.Fit(Viewport{800, 600})

	h.flag.mark()
	h.resize.ApplyRemote(Geometry{Cols: 100, Rows: 40})
	h.viewport = Viewport{1000, 900}

	h.r.OnForeground()
	h.timers.fireAll()

	if sent := h.sender.sent(); len(sent) != 1 {
		t.Errorf("sent = %v, want only the initial fit", sent)
	}
	if h.flag.IsSet() {
		t.Error("remote resize flag not consumed")
	}
}

func TestVisibilityReconciler_OrientationForcesFullFit(t *testing.T) {
	h := newVisibilityHarness(StateReconnecting)
	h.resize.Fit(Viewport{800, 600})
	h.sender.mu.Lock()
	h.sender.resize = nil
	h.sender.mu.Unlock()

	// Rotation produced a change smaller than the stability threshold.
	h.viewport = Viewport{802, 610}
	h.r.OnOrientationChange()
	if got := h.conn.forcedCount(); got != 1 {
		t.Errorf("ForceReconnect called %d times, want 1", got)
	}
	h.timers.fireAll()

	g := h.resize.Geometry()
	if g != (Geometry{80, 30}) {
		t.Errorf("geometry = %s, want 80x30", g)
	}

	// The viewport was recomputed rather than skipped: a later sub-threshold
	// change against the new viewport is skipped.
	if _, outcome := h.resize.Fit(Viewport{803, 611}); outcome != FitSkipped {
		t.Errorf("outcome = %s, want skipped", outcome)
	}
}

func TestVisibilityReconciler_OrientationWinsOverFocus(t *testing.T) {
	h := newVisibilityHarness(StateOpen)
	h.resize.Fit(Viewport{800, 600})
	h.flag.mark()

	h.r.OnFocus()
	h.viewport = Viewport{600, 800}
	h.r.OnOrientationChange()

	if pending := h.timers.pending(); len(pending) != 1 {
		t.Fatalf("pending timers = %v, want requests coalesced into one", pending)
	}
	h.timers.fireAll()

	sent := h.sender.sent()
	if len(sent) != 2 || sent[1] != (Geometry{60, 40}) {
		t.Errorf("sent = %v, want the rotated 60x40 last", sent)
	}
}

func TestVisibilityReconciler_Close(t *testing.T) {
	h := newVisibilityHarness(StateOpen)
	h.r.OnForeground()
	h.r.Close()
	h.timers.fireAll()
	h.r.OnForeground()

	if sent := h.sender.sent(); len(sent) != 0 {
		t.Errorf("sent %v after Close", sent)
	}
	if pending := h.timers.pending(); len(pending) != 0 {
		t.Errorf("pending timers after Close: %v", pending)
	}
}
