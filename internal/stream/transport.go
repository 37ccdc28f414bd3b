package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the server. Output frames carry
	// history replays, so this is much larger than what clients send.
	maxFrameSize = 1 << 20
)

// Channel is one full-duplex frame transport to a session. ReadMessage is
// only called from one goroutine and WriteMessage from one other; Close may
// be called from anywhere.
type Channel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// pinger is implemented by channels that need application-driven
// keepalives.
type pinger interface {
	Ping() error
}

// Dialer opens a Channel to the stream endpoint of a session.
type Dialer interface {
	Dial(ctx context.Context, session string) (Channel, error)
}

// WebSocketDialer dials the session server's websocket stream endpoint.
type WebSocketDialer struct {
	// BaseURL is the server address, e.g. "http://localhost:8080". http and
	// https schemes are mapped to ws and wss.
	BaseURL string

	// Header is sent with every handshake (auth, origin).
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// StreamURL returns the websocket URL of a session's stream endpoint.
func StreamURL(baseURL, session string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	escaped := base + "/api/sessions/" + url.PathEscape(session) + "/stream"
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("build stream path: %w", err)
	}
	u.Path = unescaped
	u.RawPath = escaped
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial performs the websocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, session string) (Channel, error) {
	target, err := StreamURL(d.BaseURL, session)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &wsChannel{conn: conn}, nil
}

// wsChannel adapts a gorilla websocket connection to Channel.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) ReadMessage() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	// Any traffic proves the server is alive.
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return frame, nil
}

func (c *wsChannel) WriteMessage(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsChannel) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsChannel) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return c.conn.Close()
}
