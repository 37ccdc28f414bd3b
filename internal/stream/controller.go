package stream

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

// DefaultCellMetrics is used when Config.Cell is zero.
var DefaultCellMetrics = CellMetrics{Width: 9, Height: 18}

// Handlers are the presentation layer's callbacks. Any of them may be nil.
// They run on the connection's notifier goroutine or on the goroutine of the
// environment event that caused them.
type Handlers struct {
	OnOutput    func(data []byte)
	OnStatus    func(Status)
	OnIdleState func(protocol.IdleState)
	OnGeometry  func(Geometry, FitOutcome)
	OnError     func(message string)
}

// Config configures a Controller.
type Config struct {
	Session string

	// ServerURL is used to build a WebSocketDialer when Dialer is nil.
	ServerURL string
	Header    http.Header
	Dialer    Dialer

	// Environment is optional. Without it the controller only reacts to
	// explicit calls.
	Environment Environment

	Cell            CellMetrics
	ReconnectDelay  time.Duration
	ReconnectJitter time.Duration
	Debounce        time.Duration
	RefitDelay      time.Duration

	Handlers Handlers
	Logger   *slog.Logger

	afterFunc afterFunc
}

var (
	ErrSessionRequired = errors.New("session name is required")
	ErrDialerRequired  = errors.New("dialer or server url is required")
	ErrInvalidCell     = errors.New("cell metrics must be positive")
)

// Controller streams one session into one terminal view. It owns exactly
// one ConnectionManager, ResizeSynchronizer and VisibilityReconciler.
type Controller struct {
	session string
	logger  *slog.Logger
	env     Environment

	conn      *ConnectionManager
	resize    *ResizeSynchronizer
	reconcile *VisibilityReconciler

	handlers atomic.Pointer[Handlers]
	idle     atomic.Value // protocol.IdleState
	closed   atomic.Bool

	unsubscribe func()
	startOnce   sync.Once
	closeOnce   sync.Once
}

// NewController wires a controller. Nothing is dialed until Start.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Session == "" {
		return nil, ErrSessionRequired
	}
	if cfg.Dialer == nil {
		if cfg.ServerURL == "" {
			return nil, ErrDialerRequired
		}
		if _, err := StreamURL(cfg.ServerURL, cfg.Session); err != nil {
			return nil, err
		}
		cfg.Dialer = &WebSocketDialer{BaseURL: cfg.ServerURL, Header: cfg.Header}
	}
	if cfg.Cell == (CellMetrics{}) {
		cfg.Cell = DefaultCellMetrics
	}
	if cfg.Cell.Width <= 0 || cfg.Cell.Height <= 0 {
		return nil, ErrInvalidCell
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = realAfterFunc
	}

	c := &Controller{
		session: cfg.Session,
		logger:  cfg.Logger.With("session", cfg.Session),
		env:     cfg.Environment,
	}
	c.idle.Store(protocol.IdleUnknown)
	h := cfg.Handlers
	c.handlers.Store(&h)

	flag := &RemoteResizeFlag{}
	c.conn = NewConnectionManager(ManagerConfig{
		Session:         cfg.Session,
		Dialer:          cfg.Dialer,
		ReconnectDelay:  cfg.ReconnectDelay,
		ReconnectJitter: cfg.ReconnectJitter,
		RemoteResize:    flag,
		OnMessage:       c.onMessage,
		OnStatus:        c.onStatus,
		Logger:          cfg.Logger,
		afterFunc:       cfg.afterFunc,
	})
	c.resize = NewResizeSynchronizer(ResizeConfig{
		Cell:         cfg.Cell,
		Sender:       c.conn,
		RemoteResize: flag,
		Debounce:     cfg.Debounce,
		OnApply:      c.onGeometry,
		Logger:       c.logger,
		afterFunc:    cfg.afterFunc,
	})
	c.reconcile = NewVisibilityReconciler(c.conn, c.resize, c.viewport, cfg.RefitDelay)
	c.reconcile.after = cfg.afterFunc

	if c.env != nil {
		c.unsubscribe = c.env.Subscribe(c.onEnvironment)
	}
	return c, nil
}

// Start connects and fits the terminal to the environment's viewport.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		if c.env != nil {
			c.resize.Fit(c.env.Viewport())
		}
		c.conn.Connect()
	})
}

// Send forwards input to the remote terminal. It reports false when the
// channel is not open.
func (c *Controller) Send(data []byte) bool {
	return c.conn.Send(data)
}

// SendResize sends an explicit geometry, bypassing the fit logic.
func (c *Controller) SendResize(cols, rows int) bool {
	return c.conn.SendResize(cols, rows)
}

// ForceReconnect dials at once unless the channel is open or the session is
// dead.
func (c *Controller) ForceReconnect() {
	c.conn.ForceReconnect()
}

// Status returns the connection status.
func (c *Controller) Status() Status {
	return c.conn.Status()
}

// IdleState returns what the server last reported about the session.
func (c *Controller) IdleState() protocol.IdleState {
	return c.idle.Load().(protocol.IdleState)
}

// Geometry returns the terminal geometry applied locally.
func (c *Controller) Geometry() Geometry {
	return c.resize.Geometry()
}

// SetHandlers replaces the presentation callbacks. Events already being
// delivered may still see the old set.
func (c *Controller) SetHandlers(h Handlers) {
	c.handlers.Store(&h)
}

// Resize feeds a container size change through the debounced fit.
func (c *Controller) Resize(v Viewport) {
	c.resize.Observe(v)
}

// Close unsubscribes from the environment, cancels every timer and closes
// the channel. No handler is called after Close returns.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.reconcile.Close()
		c.resize.Close()
		c.conn.Close()
	})
}

func (c *Controller) viewport() Viewport {
	if c.env == nil {
		return Viewport{}
	}
	return c.env.Viewport()
}

func (c *Controller) current() *Handlers {
	if c.closed.Load() {
		return nil
	}
	return c.handlers.Load()
}

func (c *Controller) onEnvironment(ev EnvironmentEvent) {
	if c.closed.Load() {
		return
	}
	switch ev.Kind {
	case EventVisibility:
		if ev.Visible {
			c.reconcile.OnForeground()
		}
	case EventOrientation:
		c.reconcile.OnOrientationChange()
	case EventResize:
		c.resize.Observe(ev.Viewport)
	case EventFocus:
		c.reconcile.OnFocus()
	case EventPaste:
		if len(ev.Data) > 0 {
			c.conn.Send(ev.Data)
		}
	}
}

func (c *Controller) onMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeOutput:
		if h := c.current(); h != nil && h.OnOutput != nil {
			h.OnOutput([]byte(msg.Data))
		}
	case protocol.TypeStateChange:
		c.setIdle(msg.State)
	case protocol.TypeResize:
		c.resize.ApplyRemote(Geometry{Cols: msg.Cols, Rows: msg.Rows})
	case protocol.TypeError:
		if h := c.current(); h != nil && h.OnError != nil {
			h.OnError(msg.Message)
		}
	}
}

func (c *Controller) onStatus(st Status) {
	switch st.State {
	case StateOpen:
		if !c.resize.Resync() && c.env != nil {
			c.resize.Invalidate()
			c.resize.Fit(c.env.Viewport())
		}
	case StateReconnecting, StateConnecting, StateDead:
		c.setIdle(protocol.IdleUnknown)
	}
	if h := c.current(); h != nil && h.OnStatus != nil {
		h.OnStatus(st)
	}
}

func (c *Controller) onGeometry(g Geometry, outcome FitOutcome) {
	if h := c.current(); h != nil && h.OnGeometry != nil {
		h.OnGeometry(g, outcome)
	}
}

func (c *Controller) setIdle(state protocol.IdleState) {
	prev := c.idle.Swap(state).(protocol.IdleState)
	if prev == state {
		return
	}
	if h := c.current(); h != nil && h.OnIdleState != nil {
		h.OnIdleState(state)
	}
}
