// Package media is the facade over the native media worker. The rest of the
// core consumes it exclusively through the interfaces below; the concrete
// implementation drives a mediasoup-style worker co-process over a pipe
// channel.
package media

import (
	"context"

	"github.com/huddlekit/signaling/internal/v1/types"
)

// Router validates and forwards RTP between producers and consumers inside
// one room. Exactly one router exists per live room.
type Router interface {
	ID() string
	// RtpCapabilities returns the opaque negotiation blob a peer needs
	// before it can consume.
	RtpCapabilities() types.Opaque
	// CanConsume reports whether the router can route the producer to an
	// endpoint with the given capabilities.
	CanConsume(ctx context.Context, producerID string, rtpCapabilities types.Opaque) (bool, error)
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	Close()
}

// Transport is one WebRTC media path endpoint, either the send or the recv
// side of a peer.
type Transport interface {
	ID() string
	IceParameters() types.Opaque
	IceCandidates() types.Opaque
	DtlsParameters() types.Opaque
	Connect(ctx context.Context, dtlsParameters types.Opaque) error
	Produce(ctx context.Context, kind types.MediaKind, rtpParameters types.Opaque) (Producer, error)
	// Consume creates a server-side consumer for the producer. Consumers
	// always start paused; the consuming endpoint resumes once its local
	// side is ready.
	Consume(ctx context.Context, producerID string, rtpCapabilities types.Opaque) (Consumer, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate int) error
	// OnDtlsClosed fires when the remote endpoint tears down DTLS.
	OnDtlsClosed(fn func())
	Close()
}

// Producer is a media source published by a peer.
type Producer interface {
	ID() string
	Kind() types.MediaKind
	// OnTransportClose fires when the owning transport closes and takes the
	// producer down with it.
	OnTransportClose(fn func())
	Close()
}

// Consumer is a paused-by-default media sink subscribing to a producer.
type Consumer interface {
	ID() string
	Kind() types.MediaKind
	RtpParameters() types.Opaque
	// Type is the consumer type reported by the worker (simple, simulcast,
	// svc or pipe).
	Type() string
	ProducerPaused() bool
	Resume(ctx context.Context) error
	OnTransportClose(fn func())
	// OnProducerClose fires when the source producer closes; the worker
	// closes the consumer on its side before emitting it.
	OnProducerClose(fn func())
	Close()
}

// WebRtcTransportOptions is the transport policy applied at creation time.
type WebRtcTransportOptions struct {
	ListenIP                   string `json:"listenIp"`
	AnnouncedIP                string `json:"announcedIp,omitempty"`
	EnableUDP                  bool   `json:"enableUdp"`
	EnableTCP                  bool   `json:"enableTcp"`
	PreferUDP                  bool   `json:"preferUdp"`
	InitialAvailableOutBitrate int    `json:"initialAvailableOutgoingBitrate,omitempty"`
}
