package types

import (
	"context"
	"encoding/json"

	"github.com/huddlekit/signaling/internal/v1/auth"
	"github.com/huddlekit/signaling/internal/v1/bus"
)

// --- Core Domain Types ---

// PeerIDType identifies a signaling connection. It doubles as the peer id
// inside a room: one connection, one peer.
type PeerIDType string

// RoomIDType identifies a video conference room.
type RoomIDType string

// ProducerIDType identifies a media producer.
type ProducerIDType string

// ConsumerIDType identifies a media consumer.
type ConsumerIDType string

// TransportIDType identifies a WebRTC transport.
type TransportIDType string

// MediaKind is the media kind of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaType distinguishes camera streams from screen shares. Peers rely on
// it to pick the right UI surface, so it is part of the signaling contract
// rather than opaque passthrough.
type MediaType string

const (
	MediaTypeCamera MediaType = "camera"
	MediaTypeScreen MediaType = "screen"
)

// AppData is the application data attached to a producer at publish time.
type AppData struct {
	MediaType MediaType `json:"mediaType,omitempty"`
}

// SessionState tracks where a signaling connection is in its lifecycle.
type SessionState int32

const (
	SessionUnjoined SessionState = iota
	SessionJoined
	SessionTerminated
)

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// BusService defines the interface for distributed pub/sub messaging.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, handler func(bus.PubSubPayload)) func()
	Ping(ctx context.Context) error
	Close() error
}

// PeerSession is the behavior a room needs from a signaling connection.
// It decouples the room package from the transport package.
type PeerSession interface {
	GetID() PeerIDType
	// Send queues an outbound event frame. It must never block.
	Send(event string, data any)
	// Disconnect forcefully closes the underlying connection (e.g. on kick).
	Disconnect()
}

// Opaque is an opaque negotiation blob (RTP capabilities, SDP-level
// parameters). The core forwards these verbatim between the media worker
// and the clients.
type Opaque = json.RawMessage
