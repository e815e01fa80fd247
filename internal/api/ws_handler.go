package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phrazzld/relay-api/internal/broadcast"
)

// Inbound observer message types.
const (
	clientSubscribe   = "subscribe"
	clientUnsubscribe = "unsubscribe"
	clientPing        = "ping"
)

// clientMessage is the envelope observers send over the socket.
type clientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

// wsClient wraps one observer connection and implements broadcast.Sender.
// WriteJSON is not safe for concurrent use, so every outbound write goes
// through the mutex: the broadcaster fans out from worker goroutines while
// the read loop replies to protocol messages.
type wsClient struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// Send delivers a message to the observer. A write error means the
// connection is dead and tells the broadcaster to prune this sender.
func (c *wsClient) Send(message broadcast.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(message)
}

const wsWriteTimeout = 10 * time.Second

// WSHandler upgrades observer connections and speaks the subscription
// protocol: observers subscribe to task ids and receive the live progress
// stream plus the retained status snapshot.
type WSHandler struct {
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewWSHandler creates a WSHandler backed by the given broadcaster.
func NewWSHandler(broadcaster *broadcast.Broadcaster, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers are same-deployment dashboards and CLIs; there is
			// no cookie-based session to protect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "ws_handler"),
	}
}

// ServeHTTP handles GET /api/ws requests.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	defer func() {
		h.broadcaster.RemoveSender(client)
		_ = conn.Close()
	}()

	if err := client.Send(broadcast.ServerMessage{
		Type:      broadcast.TypeConnection,
		Message:   "connected",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return
	}

	h.readLoop(client)
}

// readLoop processes inbound protocol messages until the connection drops.
func (h *WSHandler) readLoop(client *wsClient) {
	for {
		var msg clientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case clientSubscribe:
			h.handleSubscribe(client, msg)
		case clientUnsubscribe:
			h.handleUnsubscribe(client, msg)
		case clientPing:
			h.reply(client, broadcast.ServerMessage{
				Type:      broadcast.TypePong,
				Timestamp: time.Now().UTC(),
			})
		default:
			h.reply(client, broadcast.NewErrorMessage("unknown message type: "+msg.Type))
		}
	}
}

func (h *WSHandler) handleSubscribe(client *wsClient, msg clientMessage) {
	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		h.reply(client, broadcast.NewErrorMessage("subscribe requires a valid task_id"))
		return
	}

	// Acknowledge before registering so the subscribed frame precedes any
	// retained status replay.
	h.reply(client, broadcast.ServerMessage{
		Type:      broadcast.TypeSubscribed,
		TaskID:    taskID.String(),
		Timestamp: time.Now().UTC(),
	})
	h.broadcaster.Subscribe(taskID, client)
}

func (h *WSHandler) handleUnsubscribe(client *wsClient, msg clientMessage) {
	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		h.reply(client, broadcast.NewErrorMessage("unsubscribe requires a valid task_id"))
		return
	}

	h.broadcaster.Unsubscribe(taskID, client)
	h.reply(client, broadcast.ServerMessage{
		Type:      broadcast.TypeUnsubscribed,
		TaskID:    taskID.String(),
		Timestamp: time.Now().UTC(),
	})
}

// reply sends a protocol response, tolerating a dead connection: the read
// loop notices the failure on its next iteration.
func (h *WSHandler) reply(client *wsClient, message broadcast.ServerMessage) {
	if err := client.Send(message); err != nil {
		h.logger.Debug("websocket reply failed", "error", err)
	}
}
