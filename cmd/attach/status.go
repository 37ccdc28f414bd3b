package main

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
	"github.com/voglster/lumbergh-sub000/internal/stream"
)

// detachKey is Ctrl-], as in telnet and docker attach.
const detachKey = 0x1d

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	deadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Faint(true)
)

// splitDetach returns the input before the detach key and whether the key
// was pressed.
func splitDetach(data []byte) ([]byte, bool) {
	if i := bytes.IndexByte(data, detachKey); i >= 0 {
		return data[:i], true
	}
	return data, false
}

// statusLine renders a connection status for the status banner. It returns
// "" for states not worth interrupting the terminal for.
func statusLine(session string, st stream.Status) string {
	switch st.State {
	case stream.StateOpen:
		return okStyle.Render(fmt.Sprintf("[attached to %s, Ctrl-] detaches]", session))
	case stream.StateReconnecting:
		msg := fmt.Sprintf("[connection to %s lost, reconnecting]", session)
		if st.LastError != nil {
			msg = fmt.Sprintf("[connection to %s lost: %v, reconnecting]", session, st.LastError)
		}
		return warnStyle.Render(msg)
	case stream.StateDead:
		msg := st.SessionDeadMessage
		if msg == "" {
			msg = "session ended"
		}
		return deadStyle.Render(fmt.Sprintf("[%s]", msg))
	default:
		return ""
	}
}

// idleTitle is the window title shown for an idle state.
func idleTitle(session string, state protocol.IdleState) string {
	switch state {
	case protocol.IdleIdle:
		return session + ": waiting for input"
	case protocol.IdleWorking:
		return session + ": working"
	case protocol.IdleError:
		return session + ": error"
	case protocol.IdleStalled:
		return session + ": stalled"
	default:
		return session
	}
}

func errorLine(message string) string {
	return mutedStyle.Render(fmt.Sprintf("[server: %s]", message))
}
