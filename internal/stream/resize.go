package stream

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// MinViewportWidth and MinViewportHeight are the smallest pixel sizes
	// worth fitting. Anything smaller is a hidden or collapsed pane.
	MinViewportWidth  = 50
	MinViewportHeight = 50

	// StabilityThreshold is the pixel change below which a viewport is
	// considered unchanged.
	StabilityThreshold = 4

	// DefaultDebounce is how long Observe waits after the last container
	// resize before fitting.
	DefaultDebounce = 150 * time.Millisecond
)

// FitOutcome says what a fit did.
type FitOutcome int

const (
	// FitSkipped: the viewport was unusable or did not change enough.
	FitSkipped FitOutcome = iota
	// FitSent: the geometry was applied locally and sent to the server.
	FitSent
	// FitApplied: the geometry was applied locally; the server already has
	// it or the channel is down.
	FitApplied
	// FitRefreshed: a remote resize was pending, so the terminal was only
	// re-rendered.
	FitRefreshed
)

func (o FitOutcome) String() string {
	switch o {
	case FitSkipped:
		return "skipped"
	case FitSent:
		return "sent"
	case FitApplied:
		return "applied"
	case FitRefreshed:
		return "refreshed"
	default:
		return "unknown"
	}
}

// resizeSender is the part of ConnectionManager the synchronizer needs.
type resizeSender interface {
	SendResize(cols, rows int) bool
}

// ResizeConfig configures a ResizeSynchronizer.
type ResizeConfig struct {
	Cell   CellMetrics
	Sender resizeSender

	// RemoteResize is the flag the ConnectionManager marks. The
	// synchronizer only ever clears it.
	RemoteResize *RemoteResizeFlag

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// OnApply is called, outside any lock, whenever the local terminal must
	// be re-rendered at a geometry.
	OnApply func(Geometry, FitOutcome)

	Logger *slog.Logger

	afterFunc afterFunc
}

// ResizeSynchronizer keeps the local terminal geometry and the remote PTY
// geometry in step.
type ResizeSynchronizer struct {
	cfg ResizeConfig

	mu           sync.Mutex
	geometry     Geometry
	sent         Geometry
	viewport     Viewport
	haveViewport bool
	pending      Viewport
	debounceSeq  uint64
	stopDebounce func() bool
	closed       bool
}

// NewResizeSynchronizer creates a synchronizer. Cell metrics must be
// positive.
func NewResizeSynchronizer(cfg ResizeConfig) *ResizeSynchronizer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RemoteResize == nil {
		cfg.RemoteResize = &RemoteResizeFlag{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = realAfterFunc
	}
	return &ResizeSynchronizer{cfg: cfg}
}

// Geometry returns the geometry last applied locally.
func (s *ResizeSynchronizer) Geometry() Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry
}

// Fit computes the geometry for a viewport, applies it and sends it when the
// server does not have it yet.
func (s *ResizeSynchronizer) Fit(v Viewport) (Geometry, FitOutcome) {
	s.mu.Lock()
	g, outcome := s.fitLocked(v)
	s.mu.Unlock()

	s.applied(g, outcome)
	return g, outcome
}

// FitOnFocus is the fit run when the terminal regains focus. A pending
// remote resize is consumed with a refresh-only pass that sends nothing.
func (s *ResizeSynchronizer) FitOnFocus(v Viewport) (Geometry, FitOutcome) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Geometry{}, FitSkipped
	}
	if s.cfg.RemoteResize.consume() {
		if usable(v) {
			s.viewport = v
			s.haveViewport = true
		}
		g := s.geometry
		s.mu.Unlock()

		s.cfg.Logger.Debug("remote resize pending, refreshing without send", "geometry", g)
		s.applied(g, FitRefreshed)
		return g, FitRefreshed
	}
	g, outcome := s.fitLocked(v)
	s.mu.Unlock()

	s.applied(g, outcome)
	return g, outcome
}

func (s *ResizeSynchronizer) fitLocked(v Viewport) (Geometry, FitOutcome) {
	if s.closed || !usable(v) {
		return s.geometry, FitSkipped
	}
	if s.haveViewport &&
		math.Abs(v.Width-s.viewport.Width) < StabilityThreshold &&
		math.Abs(v.Height-s.viewport.Height) < StabilityThreshold {
		return s.geometry, FitSkipped
	}
	if s.cfg.Cell.Width <= 0 || s.cfg.Cell.Height <= 0 {
		return s.geometry, FitSkipped
	}

	s.viewport = v
	s.haveViewport = true
	g := s.cfg.Cell.geometryFor(v)
	s.geometry = g

	if g == s.sent {
		return g, FitApplied
	}
	if s.cfg.Sender == nil || !s.cfg.Sender.SendResize(g.Cols, g.Rows) {
		return g, FitApplied
	}
	s.sent = g
	return g, FitSent
}

// ApplyRemote applies a geometry announced by the server. Nothing is sent:
// the server already has it.
func (s *ResizeSynchronizer) ApplyRemote(g Geometry) {
	if !g.Valid() {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.geometry = g
	s.sent = g
	s.mu.Unlock()

	s.applied(g, FitApplied)
}

// Resync sends the current geometry again. A freshly opened channel is a
// new attachment on the server, which does not know our size yet.
func (s *ResizeSynchronizer) Resync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.geometry.Valid() || s.cfg.Sender == nil {
		return false
	}
	if !s.cfg.Sender.SendResize(s.geometry.Cols, s.geometry.Rows) {
		return false
	}
	s.sent = s.geometry
	return true
}

// Invalidate forgets the cached viewport so the next fit cannot be skipped
// as unchanged.
func (s *ResizeSynchronizer) Invalidate() {
	s.mu.Lock()
	s.haveViewport = false
	s.mu.Unlock()
}

// Observe records a container resize. Bursts are collapsed into one Fit
// run Debounce after the last call.
func (s *ResizeSynchronizer) Observe(v Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = v
	if s.stopDebounce != nil {
		s.stopDebounce()
	}
	s.debounceSeq++
	seq := s.debounceSeq
	s.stopDebounce = s.cfg.afterFunc(s.cfg.Debounce, func() {
		s.fireDebounce(seq)
	})
}

func (s *ResizeSynchronizer) fireDebounce(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.debounceSeq {
		s.mu.Unlock()
		return
	}
	s.stopDebounce = nil
	v := s.pending
	s.mu.Unlock()

	s.Fit(v)
}

// Close cancels a pending debounced fit. Later calls do nothing.
func (s *ResizeSynchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.stopDebounce != nil {
		s.stopDebounce()
		s.stopDebounce = nil
	}
}

func (s *ResizeSynchronizer) applied(g Geometry, outcome FitOutcome) {
	if outcome == FitSkipped || s.cfg.OnApply == nil || !g.Valid() {
		return
	}
	s.cfg.OnApply(g, outcome)
}

func usable(v Viewport) bool {
	return v.Width >= MinViewportWidth && v.Height >= MinViewportHeight
}
