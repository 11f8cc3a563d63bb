package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/bus"
	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/media"
	"github.com/huddlekit/signaling/internal/v1/metrics"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// RouterProvider creates the room's router on first join. *media.Worker
// satisfies it; tests substitute a fake.
type RouterProvider interface {
	CreateRouter(ctx context.Context, mediaCodecs types.Opaque) (media.Router, error)
}

// MediaConfig is the media-plane policy a room applies to its router and
// every transport it creates.
type MediaConfig struct {
	MediaCodecs        types.Opaque
	Transport          media.WebRtcTransportOptions
	MaxIncomingBitrate int
}

// peerState is the per-peer slice of the entity registry. A peer holds at
// most one transport per direction; producers live in the room-level index
// keyed by owner.
type peerState struct {
	session       types.PeerSession
	sendTransport media.Transport
	recvTransport media.Transport
	consumers     map[types.ConsumerIDType]*consumerState
}

type producerState struct {
	producer media.Producer
	id       types.ProducerIDType
	ownerID  types.PeerIDType
	kind     types.MediaKind
	appData  types.AppData
}

type consumerState struct {
	consumer   media.Consumer
	id         types.ConsumerIDType
	producerID types.ProducerIDType
	peerID     types.PeerIDType
	// closedNotified latches the producerClosed notification so the
	// explicit close path and the media event path cannot both fire it.
	closedNotified bool
}

// Room is the authoritative state machine for one conference room. Every
// mutation runs under r.mu for the whole logical operation, media worker
// calls included; rooms never share state, so slow media calls in one room
// do not stall another.
type Room struct {
	ID types.RoomIDType

	mu        sync.Mutex
	router    media.Router
	peers     map[types.PeerIDType]*peerState
	producers map[types.ProducerIDType]*producerState
	closed    bool

	workers  RouterProvider
	mediaCfg MediaConfig
	onEmpty  func(types.RoomIDType)
	bus      types.BusService

	unsubscribe func()
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	publishChan chan struct{} // Semaphore for bus publishes
}

// NewRoom creates a room pinned to the given worker. onEmpty fires once,
// after the last peer leaves and the router is closed.
func NewRoom(ctx context.Context, id types.RoomIDType, workers RouterProvider, mediaCfg MediaConfig, onEmpty func(types.RoomIDType), busService types.BusService) *Room {
	r := &Room{
		ID:          id,
		peers:       make(map[types.PeerIDType]*peerState),
		producers:   make(map[types.ProducerIDType]*producerState),
		workers:     workers,
		mediaCfg:    mediaCfg,
		onEmpty:     onEmpty,
		bus:         busService,
		publishChan: make(chan struct{}, 100), // Limit concurrent publishes
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if busService != nil {
		r.unsubscribe = busService.Subscribe(r.ctx, string(id), r.handleBusEvent)
	}

	metrics.ActiveRooms.Inc()
	logging.Info(r.ctx, "Room created", zap.String("room", string(id)))
	return r
}

// GetID returns the room ID.
func (r *Room) GetID() types.RoomIDType {
	return r.ID
}

// IsClosed reports whether the room has been reaped.
func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// IsEmpty reports whether the room holds no peers.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers) == 0
}

// HasPeer reports whether the peer is currently in the room.
func (r *Room) HasPeer(peerID types.PeerIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[peerID]
	return ok
}

// Shutdown disconnects every peer and tears the room down. Used on server
// shutdown; the normal path is the empty-room reaper.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	remaining := make([]*peerState, 0, len(r.peers))
	ids := make([]types.PeerIDType, 0, len(r.peers))
	for id, p := range r.peers {
		ids = append(ids, id)
		remaining = append(remaining, p)
	}
	for i, id := range ids {
		r.removePeerLocked(id, remaining[i], "shutdown")
	}
	r.reapLocked("shutdown")
	r.mu.Unlock()

	for _, p := range remaining {
		p.session.Disconnect()
	}

	c := make(chan struct{})
	go func() {
		defer close(c)
		r.wg.Wait()
	}()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastLocked fans an event out to every peer except sender, then
// publishes it for peers attached to other instances.
func (r *Room) broadcastLocked(sender types.PeerIDType, event string, payload any) {
	for id, p := range r.peers {
		if id == sender {
			continue
		}
		p.session.Send(event, payload)
	}
	r.publishLocked(sender, event, payload)
}

func (r *Room) publishLocked(sender types.PeerIDType, event string, payload any) {
	if r.bus == nil {
		return
	}
	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			if err := r.bus.Publish(context.Background(), string(r.ID), event, payload, string(sender)); err != nil {
				logging.Warn(r.ctx, "Bus publish failed", zap.String("room", string(r.ID)), zap.String("event", event), zap.Error(err))
			}
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus publish - queue full", zap.String("room", string(r.ID)))
	}
}

// handleBusEvent delivers an event published by another instance to the
// local peers. The bus already filters out this instance's own publishes,
// so everything arriving here is a remote event for every local peer.
func (r *Room) handleBusEvent(msg bus.PubSubPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, p := range r.peers {
		p.session.Send(msg.Event, msg.Payload)
	}
}

// reapIfEmptyLocked runs at the end of every mutation that could empty the
// room. No separate timer: the last removal is the trigger.
func (r *Room) reapIfEmptyLocked() {
	if r.closed || len(r.peers) > 0 {
		return
	}
	r.reapLocked("empty")
}

func (r *Room) reapLocked(reason string) {
	if r.closed {
		return
	}
	r.closed = true

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.cancel()
	if r.router != nil {
		r.router.Close()
		r.router = nil
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomPeers.DeleteLabelValues(string(r.ID))
	logging.Info(context.Background(), "Room closed", zap.String("room", string(r.ID)), zap.String("reason", reason))

	if r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}
