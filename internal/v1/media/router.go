package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huddlekit/signaling/internal/v1/types"
)

// closeRequestTimeout bounds best-effort close requests to the worker.
const closeRequestTimeout = 2 * time.Second

type router struct {
	id              string
	rtpCapabilities types.Opaque
	channel         *channel

	mu     sync.Mutex
	closed bool
}

func (r *router) ID() string {
	return r.id
}

func (r *router) RtpCapabilities() types.Opaque {
	return r.rtpCapabilities
}

func (r *router) CanConsume(ctx context.Context, producerID string, rtpCapabilities types.Opaque) (bool, error) {
	data, err := r.channel.Request(ctx, "router.canConsume", r.id, map[string]any{
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
	})
	if err != nil {
		return false, fmt.Errorf("canConsume: %w", err)
	}

	var resp struct {
		CanConsume bool `json:"canConsume"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("decode canConsume response: %w", err)
	}
	return resp.CanConsume, nil
}

func (r *router) CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error) {
	transportID := uuid.NewString()
	data, err := r.channel.Request(ctx, "router.createWebRtcTransport", r.id, map[string]any{
		"transportId":                     transportID,
		"listenIp":                        opts.ListenIP,
		"announcedIp":                     opts.AnnouncedIP,
		"enableUdp":                       opts.EnableUDP,
		"enableTcp":                       opts.EnableTCP,
		"preferUdp":                       opts.PreferUDP,
		"initialAvailableOutgoingBitrate": opts.InitialAvailableOutBitrate,
	})
	if err != nil {
		if ctx.Err() != nil {
			// The worker may have created the transport after the
			// deadline; close the orphan.
			ch := r.channel
			go func() {
				cctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
				defer cancel()
				_, _ = ch.Request(cctx, "transport.close", transportID, nil)
			}()
		}
		return nil, fmt.Errorf("createWebRtcTransport: %w", err)
	}

	var resp struct {
		IceParameters  json.RawMessage `json:"iceParameters"`
		IceCandidates  json.RawMessage `json:"iceCandidates"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode createWebRtcTransport response: %w", err)
	}

	t := &webRtcTransport{
		id:             transportID,
		iceParameters:  resp.IceParameters,
		iceCandidates:  resp.IceCandidates,
		dtlsParameters: resp.DtlsParameters,
		channel:        r.channel,
	}

	r.channel.Subscribe(transportID, t.handleNotification)

	return t, nil
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
	defer cancel()
	_, _ = r.channel.Request(ctx, "router.close", r.id, nil)
}
