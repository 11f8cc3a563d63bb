// Package signal defines the wire schemas of the signaling protocol: the
// frame envelope, request/response payloads, and broadcast events.
package signal

import (
	"encoding/json"
	"errors"

	"github.com/huddlekit/signaling/internal/v1/types"
)

// Inbound request names.
const (
	EventJoinRoom         = "joinRoom"
	EventCreateTransport  = "createWebRtcTransport"
	EventConnectTransport = "connectTransport"
	EventProduce          = "produce"
	EventConsume          = "consume"
	EventResumeConsumer   = "resumeConsumer"
	EventCloseProducer    = "closeProducer"
	EventKickPeer         = "kickPeer"
	EventRequestSync      = "requestSync"
)

// Outbound broadcast names.
const (
	EventNewPeer        = "newPeer"
	EventPeerLeft       = "peerLeft"
	EventNewProducer    = "newProducer"
	EventProducerClosed = "producerClosed"
)

// Envelope is one signaling frame. Two shapes are accepted on the wire:
// {event, data, ack?} and the legacy {type, data}. Frames carrying an ack
// are request/response; the reply echoes the ack id. Frames without an ack
// are fire-and-forget.
type Envelope struct {
	Event string          `json:"event,omitempty"`
	Type  string          `json:"type,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

// ErrBadFrame reports a frame that names no event in either shape.
var ErrBadFrame = errors.New("frame names no event")

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Name() == "" {
		return nil, ErrBadFrame
	}
	return &env, nil
}

// Name returns the event name regardless of which wire shape was used.
func (e *Envelope) Name() string {
	if e.Event != "" {
		return e.Event
	}
	return e.Type
}

// HasAck reports whether the sender expects a reply frame.
func (e *Envelope) HasAck() bool {
	return e.Ack != nil
}

// Bind unmarshals the frame payload into dst.
func (e *Envelope) Bind(dst any) error {
	if len(e.Data) == 0 {
		return errors.New("frame has no data")
	}
	return json.Unmarshal(e.Data, dst)
}

// Reply builds the response frame for an acked request.
func Reply(event string, ack uint64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Ack: &ack, Data: raw})
}

// EventFrame builds a server-initiated event frame.
func EventFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// --- Requests ---

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CreateTransportRequest struct {
	Sender bool `json:"sender"`
}

type ConnectTransportRequest struct {
	DtlsParameters types.Opaque `json:"dtlsParameters"`
	Sender         bool         `json:"sender"`
}

type ProduceRequest struct {
	Kind          types.MediaKind `json:"kind"`
	RtpParameters types.Opaque    `json:"rtpParameters"`
	AppData       types.AppData   `json:"appData,omitempty"`
}

type ConsumeRequest struct {
	ProducerID      string       `json:"producerId"`
	RtpCapabilities types.Opaque `json:"rtpCapabilities"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type KickPeerRequest struct {
	PeerID string `json:"peerId"`
	RoomID string `json:"roomId"`
}

type RequestSyncRequest struct {
	PeerID string `json:"peerId"`
}

// --- Replies ---

// ProducerInfo describes one live producer to a joining peer.
type ProducerInfo struct {
	ProducerID string          `json:"producerId"`
	PeerID     string          `json:"peerId"`
	Kind       types.MediaKind `json:"kind"`
	AppData    types.AppData   `json:"appData,omitempty"`
}

type JoinRoomResponse struct {
	RouterRtpCapabilities types.Opaque   `json:"routerRtpCapabilities"`
	CurrentProducers      []ProducerInfo `json:"currentProducers"`
}

// TransportParams is the client-side handshake material for a transport.
type TransportParams struct {
	ID             string       `json:"id"`
	IceParameters  types.Opaque `json:"iceParameters"`
	IceCandidates  types.Opaque `json:"iceCandidates"`
	DtlsParameters types.Opaque `json:"dtlsParameters"`
}

type CreateTransportResponse struct {
	Params *TransportParams `json:"params,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type ProduceResponse struct {
	ProducerID string `json:"producerId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ConsumerParams is everything the consuming endpoint needs to mirror the
// server-side consumer.
type ConsumerParams struct {
	ID             string          `json:"id"`
	ProducerID     string          `json:"producerId"`
	PeerID         string          `json:"peerId"`
	Kind           types.MediaKind `json:"kind"`
	RtpParameters  types.Opaque    `json:"rtpParameters"`
	Type           string          `json:"type"`
	ProducerPaused bool            `json:"producerPaused"`
}

type ConsumeResponse struct {
	Params *ConsumerParams `json:"params,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ErrorReply is the structured error object sent for any failed request.
type ErrorReply struct {
	Error string `json:"error"`
}

// --- Broadcast events ---

type NewPeerEvent struct {
	PeerID string `json:"peerId"`
}

type PeerLeftEvent struct {
	PeerID string `json:"peerId"`
}

type NewProducerEvent struct {
	ProducerID string          `json:"producerId"`
	PeerID     string          `json:"peerId"`
	Kind       types.MediaKind `json:"kind"`
	AppData    types.AppData   `json:"appData,omitempty"`
}

type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
	ConsumerID string `json:"consumerId,omitempty"`
}

type RequestSyncEvent struct{}
