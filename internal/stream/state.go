package stream

import (
	"fmt"
	"math"
)

// ConnectionState is the lifecycle state of a session channel.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateDead
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Status is the observable state of a ConnectionManager.
type Status struct {
	State ConnectionState

	// LastError is the most recent transport or server error. It is
	// informational: only a dead or not-found frame makes a session Dead.
	LastError error

	// SessionDeadMessage is the server's explanation once State is Dead.
	SessionDeadMessage string
}

// Connected reports whether input can currently reach the server.
func (s Status) Connected() bool {
	return s.State == StateOpen
}

// Reconnecting reports whether the manager is trying to get a channel back.
func (s Status) Reconnecting() bool {
	return s.State == StateConnecting || s.State == StateReconnecting
}

// Dead reports whether the session has ended.
func (s Status) Dead() bool {
	return s.State == StateDead
}

// Geometry is a terminal size in character cells.
type Geometry struct {
	Cols int
	Rows int
}

// Valid reports whether both dimensions are positive.
func (g Geometry) Valid() bool {
	return g.Cols > 0 && g.Rows > 0
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Cols, g.Rows)
}

// Viewport is the pixel size of the area the terminal is rendered into.
type Viewport struct {
	Width  float64
	Height float64
}

// CellMetrics is the pixel size of one character cell.
type CellMetrics struct {
	Width  float64
	Height float64
}

// geometryFor computes how many whole cells fit in the viewport.
func (c CellMetrics) geometryFor(v Viewport) Geometry {
	cols := int(math.Floor(v.Width / c.Width))
	rows := int(math.Floor(v.Height / c.Height))
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return Geometry{Cols: cols, Rows: rows}
}
