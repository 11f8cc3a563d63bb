package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/metrics"
	"github.com/huddlekit/signaling/internal/v1/room"
	"github.com/huddlekit/signaling/internal/v1/signal"
	"github.com/huddlekit/signaling/internal/v1/types"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second
	// maxMessageSize bounds inbound frames; rtpParameters blobs are large
	// but nowhere near this.
	maxMessageSize = 1 << 20
	// sendBufferSize is the outbound queue per connection. Send never
	// blocks; a full queue drops the frame.
	sendBufferSize = 256
)

// wsConnection is the slice of *websocket.Conn the client uses. Tests
// substitute a scripted connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Client is one signaling connection and its peer session. The peer id is
// the connection id assigned at upgrade time; the session moves UNJOINED →
// JOINED on the first successful joinRoom and TERMINATED on disconnect.
// It implements types.PeerSession.
type Client struct {
	hub  *Hub
	conn wsConnection
	id   types.PeerIDType

	state atomic.Int32

	mu     sync.Mutex
	room   *room.Room
	closed bool

	closeOnce sync.Once
	send      chan []byte

	pingInterval time.Duration
	pingTimeout  time.Duration
}

func newClient(h *Hub, conn wsConnection, id types.PeerIDType) *Client {
	c := &Client{
		hub:          h,
		conn:         conn,
		id:           id,
		send:         make(chan []byte, sendBufferSize),
		pingInterval: h.pingInterval,
		pingTimeout:  h.pingTimeout,
	}
	c.state.Store(int32(types.SessionUnjoined))
	return c
}

// GetID satisfies types.PeerSession.
func (c *Client) GetID() types.PeerIDType {
	return c.id
}

// Send satisfies types.PeerSession. It marshals and queues an event frame
// without ever blocking the caller.
func (c *Client) Send(event string, data any) {
	frame, err := signal.EventFrame(event, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// Disconnect satisfies types.PeerSession. Closing the send channel makes
// the writePump emit a close frame and tear the connection down.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

func (c *Client) sessionState() types.SessionState {
	return types.SessionState(c.state.Load())
}

func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Safety net for the race between the closed check and Disconnect.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Dropped frame for closing client", zap.String("peerId", string(c.id)))
		}
	}()

	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "Client send queue full - dropping frame", zap.String("peerId", string(c.id)))
	}
}

// joinedRoom returns the room this session is joined to, if any.
func (c *Client) joinedRoom() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setJoined(r *room.Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	c.state.Store(int32(types.SessionJoined))
}

// terminate runs the disconnect pipeline once the read side is gone.
func (c *Client) terminate() {
	c.state.Store(int32(types.SessionTerminated))
	if r := c.joinedRoom(); r != nil {
		r.DisconnectPeer(context.Background(), c.id)
	}
	c.Disconnect()
}

// readPump reads frames until the connection dies, dispatching each one
// inline so the peer's requests stay ordered.
func (c *Client) readPump() {
	defer func() {
		c.terminate()
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pingTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pingTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Warn(context.Background(), "Error writing frame", zap.String("peerId", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
