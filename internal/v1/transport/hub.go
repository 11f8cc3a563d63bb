package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/media"
	"github.com/huddlekit/signaling/internal/v1/metrics"
	"github.com/huddlekit/signaling/internal/v1/ratelimit"
	"github.com/huddlekit/signaling/internal/v1/room"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// Options wires the hub's collaborators.
type Options struct {
	// Validator authenticates tokens at upgrade time. A nil validator
	// disables authentication (development mode only).
	Validator      types.TokenValidator
	Bus            types.BusService
	Workers        *media.Pool
	Media          room.MediaConfig
	RateLimiter    *ratelimit.RateLimiter
	AllowedOrigins []string
	PingInterval   time.Duration
	PingTimeout    time.Duration
}

// Hub is the process-wide room registry and the websocket entrypoint.
// Rooms are created lazily by the first joinRoom naming them and pinned to
// a pool worker round-robin.
type Hub struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]*room.Room

	validator      types.TokenValidator
	bus            types.BusService
	nextWorker     func() room.RouterProvider
	mediaCfg       room.MediaConfig
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	pingInterval   time.Duration
	pingTimeout    time.Duration
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PingTimeout <= opts.PingInterval {
		opts.PingTimeout = opts.PingInterval * 3 / 2
	}
	h := &Hub{
		rooms:          make(map[types.RoomIDType]*room.Room),
		validator:      opts.Validator,
		bus:            opts.Bus,
		mediaCfg:       opts.Media,
		rateLimiter:    opts.RateLimiter,
		allowedOrigins: opts.AllowedOrigins,
		pingInterval:   opts.PingInterval,
		pingTimeout:    opts.PingTimeout,
	}
	if opts.Workers != nil {
		h.nextWorker = func() room.RouterProvider { return opts.Workers.Next() }
	} else {
		// Rooms without a provider reject joins instead of the hub
		// panicking on the first joinRoom.
		h.nextWorker = func() room.RouterProvider { return nil }
	}
	return h
}

// ServeWs rate-limits, authenticates and upgrades the connection, then
// starts the session pumps. Room membership is established later by the
// joinRoom message, not the URL.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	if h.validator != nil {
		tokenResult, err := h.extractToken(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		claims, err := h.authenticateUser(tokenResult.Token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}

		if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		conn, err := h.upgradeWebSocket(c, tokenResult)
		if err != nil {
			return
		}
		h.handleConnection(conn, claims.Subject)
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}
	conn, err := h.upgradeWebSocket(c, nil)
	if err != nil {
		return
	}
	h.handleConnection(conn, "")
}

// handleConnection assigns the connection id (= peer id) and starts the
// pumps.
func (h *Hub) handleConnection(conn wsConnection, subject string) *Client {
	peerID := types.PeerIDType(uuid.NewString())
	client := newClient(h, conn, peerID)

	metrics.IncConnection()
	logging.Info(context.Background(), "Signaling connection established",
		zap.String("peerId", string(peerID)),
		zap.String("subject", subject))

	go client.writePump()
	go client.readPump()
	return client
}

// getOrCreateRoom returns the live room or creates one pinned to the next
// pool worker. A reaped room still in the map is replaced.
func (h *Hub) getOrCreateRoom(roomID types.RoomIDType) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok && !r.IsClosed() {
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("roomId", string(roomID)))
	r := room.NewRoom(context.Background(), roomID, h.nextWorker(), h.mediaCfg, h.removeRoom, h.bus)
	h.rooms[roomID] = r
	return r
}

func (h *Hub) getRoom(roomID types.RoomIDType) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok && !r.IsClosed() {
		return r
	}
	return nil
}

// removeRoom drops a reaped room from the registry. The room closes its
// own router before calling here.
func (h *Hub) removeRoom(roomID types.RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok && r.IsClosed() {
		delete(h.rooms, roomID)
		logging.Info(context.Background(), "Removed room from hub", zap.String("roomId", string(roomID)))
	}
}

// RoomCount reports the number of registered rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown disconnects every room's peers and empties the registry.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all active rooms")

	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[types.RoomIDType]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil {
			logging.Warn(ctx, "Room shutdown interrupted", zap.String("roomId", string(r.GetID())), zap.Error(err))
			return err
		}
	}
	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
