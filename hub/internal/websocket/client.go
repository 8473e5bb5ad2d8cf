package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the hub waits for a pong reply after sending a
	// ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the hub sends a ping frame. Must be less than
	// pongWait so the agent has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size in bytes accepted from an agent.
	// run_event and fs_list_result payloads are small JSON objects; a few
	// hundred entries in an fs_list_result is the largest expected frame.
	maxMessageSize = 1 << 20 // 1 MiB

	// sendBufferSize is the capacity of the per-client outbound buffer.
	sendBufferSize = 64
)

// upgrader performs the HTTP -> WebSocket protocol upgrade. CheckOrigin
// always returns true — agents are not browsers and carry no Origin
// header worth validating; connection authorization happens via the
// enrollment token checked before upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dispatcher handles one inbound Envelope from a connected node. Implemented
// by the agent-manager layer, which routes by Envelope.Type to the
// appropriate repository/engine call.
type Dispatcher interface {
	Dispatch(nodeID string, env *Envelope)
}

// Client represents one connected agent node's WebSocket connection. It runs
// two goroutines: readPump (decodes inbound Envelopes, detects
// disconnection) and writePump (serialises outgoing Envelopes onto the
// wire).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	nodeID string

	// send is the outbound envelope buffer. SendTo writes here; writePump
	// reads from here and forwards to the wire. Closed by the hub when the
	// client is unregistered, which causes writePump to drain and exit.
	send chan *Envelope

	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewClient upgrades the HTTP connection to WebSocket and returns a Client
// bound to nodeID.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, nodeID string, dispatcher Dispatcher, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:        hub,
		conn:       conn,
		nodeID:     nodeID,
		send:       make(chan *Envelope, sendBufferSize),
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("node_id", nodeID), zap.String("remote_addr", r.RemoteAddr)),
	}
	return c, nil
}

// Run registers the client with the hub and starts the read and write
// pumps. It blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump reads and dispatches incoming Envelopes (ack, task_result,
// run_event, config_ack, fs_list_result) and resets the read deadline on
// every pong.
//
// When the loop exits (connection closed or error), the client is
// unregistered from the hub so resources are freed.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(c.nodeID, &env)
		}
	}
}

// writePump forwards envelopes from the send channel to the WebSocket wire,
// plus periodic ping frames so readPump can detect a stale connection.
//
// writePump is the only goroutine that writes to conn — gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
