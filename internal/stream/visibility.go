package stream

import (
	"sync"
	"time"
)

// DefaultRefitDelay lets layout settle after the host becomes visible or
// rotates before the terminal is re-fitted.
const DefaultRefitDelay = 100 * time.Millisecond

type reconnector interface {
	Status() Status
	ForceReconnect()
}

// VisibilityReconciler heals the connection and the geometry when the host
// comes back. Timers and keepalives may have been suspended while it was
// hidden, so the scheduled reconnect cannot be trusted to fire.
type VisibilityReconciler struct {
	conn     reconnector
	resize   *ResizeSynchronizer
	viewport func() Viewport
	delay    time.Duration
	after    afterFunc

	mu        sync.Mutex
	seq       uint64
	stopRefit func() bool
	full      bool
	closed    bool
}

// NewVisibilityReconciler creates a reconciler. viewport is asked for the
// current size when a re-fit runs.
func NewVisibilityReconciler(conn reconnector, resize *ResizeSynchronizer, viewport func() Viewport, delay time.Duration) *VisibilityReconciler {
	if delay <= 0 {
		delay = DefaultRefitDelay
	}
	return &VisibilityReconciler{
		conn:     conn,
		resize:   resize,
		viewport: viewport,
		delay:    delay,
		after:    realAfterFunc,
	}
}

// OnForeground reconnects unless the channel is open and schedules a focus
// re-fit.
func (r *VisibilityReconciler) OnForeground() {
	if !r.conn.Status().Connected() {
		r.conn.ForceReconnect()
	}
	r.schedule(false)
}

// OnOrientationChange does what OnForeground does, and also drops the cached
// viewport so the re-fit always recomputes the geometry.
func (r *VisibilityReconciler) OnOrientationChange() {
	if !r.conn.Status().Connected() {
		r.conn.ForceReconnect()
	}
	r.resize.Invalidate()
	r.schedule(true)
}

// OnFocus schedules a focus re-fit without touching the connection.
func (r *VisibilityReconciler) OnFocus() {
	r.schedule(false)
}

// schedule coalesces re-fit requests behind one timer. A full re-fit wins
// over a focus re-fit when both are pending.
func (r *VisibilityReconciler) schedule(full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.full = r.full || full
	if r.stopRefit != nil {
		r.stopRefit()
	}
	r.seq++
	seq := r.seq
	r.stopRefit = r.after(r.delay, func() {
		r.refit(seq)
	})
}

func (r *VisibilityReconciler) refit(seq uint64) {
	r.mu.Lock()
	if r.closed || seq != r.seq {
		r.mu.Unlock()
		return
	}
	full := r.full
	r.full = false
	r.stopRefit = nil
	r.mu.Unlock()

	if r.viewport == nil {
		return
	}
	v := r.viewport()
	if full {
		r.resize.Fit(v)
		return
	}
	r.resize.FitOnFocus(v)
}

// Close cancels a pending re-fit.
func (r *VisibilityReconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.stopRefit != nil {
		r.stopRefit()
		r.stopRefit = nil
	}
}
