package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voglster/lumbergh-sub000/internal/model"
	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Pastes arrive as one frame.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sessions is what the stream handler needs from the session manager.
type Sessions interface {
	Lookup(ctx context.Context, name string) (*model.Session, error)
	Alive(id string) bool
	History(id string) []byte
	IdleState(id string) protocol.IdleState
	Write(id string, data []byte) error
	Resize(id string, cols, rows int) error
}

// Handler serves session streams.
type Handler struct {
	hubManager *HubManager
	sessions   Sessions
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubManager *HubManager, sessions Sessions) *Handler {
	return &Handler{
		hubManager: hubManager,
		sessions:   sessions,
	}
}

// HandleConnection upgrades the request and attaches the connection to the
// named session. Clients asking for a session that does not exist or has
// ended are told so on the stream itself and disconnected.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, name string) error {
	session, lookupErr := h.sessions.Lookup(r.Context(), name)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	switch {
	case errors.Is(lookupErr, model.ErrSessionNotFound):
		refuse(conn, protocol.SessionNotFound(fmt.Sprintf("session %s not found", name)))
		return nil
	case lookupErr != nil:
		log.Printf("Failed to look up session %s: %v", name, lookupErr)
		refuse(conn, protocol.Error("session lookup failed"))
		return nil
	case !session.IsRunning():
		refuse(conn, protocol.SessionDead(fmt.Sprintf("session %s is not running", name)))
		return nil
	}

	hub := h.hubManager.GetOrCreate(session.ID)
	client := NewClient(hub, conn, session.ID)

	// Replay the history so the client can restore its screen.
	var greeting []protocol.Message
	if history := h.sessions.History(session.ID); len(history) > 0 {
		greeting = append(greeting, protocol.Output(history))
	}
	greeting = append(greeting, protocol.StateChange(h.sessions.IdleState(session.ID)))

	attached := hub.Attach(client, greeting...)
	if !attached || !h.sessions.Alive(session.ID) {
		// The process ended between the lookup and the attach.
		hub.Unregister(client)
		refuse(conn, protocol.SessionDead(fmt.Sprintf("session %s is not running", name)))
		return nil
	}

	go h.writePump(client)
	go h.readPump(client, hub)

	return nil
}

// refuse sends a single frame and closes the connection.
func refuse(conn *websocket.Conn, msg protocol.Message) {
	defer conn.Close()

	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleMessage processes one frame from a client. Frames of other types,
// or that do not parse, are ignored.
func (h *Handler) handleMessage(client *Client, hub *Hub, frame []byte) {
	msg, raw := protocol.Decode(frame)
	if raw {
		return
	}

	switch msg.Type {
	case protocol.TypeInput:
		if msg.Data == "" {
			return
		}
		if err := h.sessions.Write(client.SessionID(), []byte(msg.Data)); err != nil {
			log.Printf("Failed to write to session %s: %v", client.SessionID(), err)
		}

	case protocol.TypeResize:
		if msg.Cols <= 0 || msg.Rows <= 0 {
			return
		}
		if err := h.sessions.Resize(client.SessionID(), msg.Cols, msg.Rows); err != nil {
			log.Printf("Failed to resize session %s: %v", client.SessionID(), err)
			return
		}
		hub.BroadcastExcept(client, protocol.Resize(msg.Cols, msg.Rows))
	}
}

// readPump pumps messages from the WebSocket connection to the session.
func (h *Handler) readPump(client *Client, hub *Hub) {
	defer func() {
		hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		h.handleMessage(client, hub, message)
	}
}

// writePump pumps frames from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// One frame per message; clients parse each frame as JSON.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetCheckOrigin sets the origin checker used when upgrading stream
// requests. It must be called before the server starts.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}

// AllowOrigins returns an origin checker accepting the given origins, such
// as "https://lumbergh.example.com". Requests without an Origin header come
// from non-browser clients and are accepted. An empty list accepts every
// origin.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}
