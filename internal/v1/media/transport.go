package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/huddlekit/signaling/internal/v1/types"
)

type webRtcTransport struct {
	id             string
	iceParameters  types.Opaque
	iceCandidates  types.Opaque
	dtlsParameters types.Opaque
	channel        *channel

	mu           sync.Mutex
	closed       bool
	onDtlsClosed func()
}

func (t *webRtcTransport) ID() string {
	return t.id
}

func (t *webRtcTransport) IceParameters() types.Opaque {
	return t.iceParameters
}

func (t *webRtcTransport) IceCandidates() types.Opaque {
	return t.iceCandidates
}

func (t *webRtcTransport) DtlsParameters() types.Opaque {
	return t.dtlsParameters
}

func (t *webRtcTransport) Connect(ctx context.Context, dtlsParameters types.Opaque) error {
	_, err := t.channel.Request(ctx, "transport.connect", t.id, map[string]any{
		"dtlsParameters": dtlsParameters,
	})
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

func (t *webRtcTransport) Produce(ctx context.Context, kind types.MediaKind, rtpParameters types.Opaque) (Producer, error) {
	producerID := uuid.NewString()
	_, err := t.channel.Request(ctx, "transport.produce", t.id, map[string]any{
		"producerId":    producerID,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	})
	if err != nil {
		t.rollbackOrphan(ctx, "producer.close", producerID)
		return nil, fmt.Errorf("produce: %w", err)
	}

	p := &producer{
		id:      producerID,
		kind:    kind,
		channel: t.channel,
	}
	t.channel.Subscribe(producerID, p.handleNotification)

	return p, nil
}

func (t *webRtcTransport) Consume(ctx context.Context, producerID string, rtpCapabilities types.Opaque) (Consumer, error) {
	consumerID := uuid.NewString()
	data, err := t.channel.Request(ctx, "transport.consume", t.id, map[string]any{
		"consumerId":      consumerID,
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
		"paused":          true,
	})
	if err != nil {
		t.rollbackOrphan(ctx, "consumer.close", consumerID)
		return nil, fmt.Errorf("consume: %w", err)
	}

	var resp struct {
		Kind           types.MediaKind `json:"kind"`
		RtpParameters  json.RawMessage `json:"rtpParameters"`
		Type           string          `json:"type"`
		ProducerPaused bool            `json:"producerPaused"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode consume response: %w", err)
	}

	c := &consumer{
		id:             consumerID,
		kind:           resp.Kind,
		rtpParameters:  resp.RtpParameters,
		consumerType:   resp.Type,
		producerPaused: resp.ProducerPaused,
		channel:        t.channel,
	}
	t.channel.Subscribe(consumerID, c.handleNotification)

	return c, nil
}

func (t *webRtcTransport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	_, err := t.channel.Request(ctx, "transport.setMaxIncomingBitrate", t.id, map[string]any{
		"bitrate": bitrate,
	})
	if err != nil {
		return fmt.Errorf("setMaxIncomingBitrate: %w", err)
	}
	return nil
}

// rollbackOrphan closes a resource whose create request timed out: the
// worker may have finished creating it after we gave up.
func (t *webRtcTransport) rollbackOrphan(ctx context.Context, method, targetID string) {
	if ctx.Err() == nil {
		return
	}
	ch := t.channel
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
		defer cancel()
		_, _ = ch.Request(cctx, method, targetID, nil)
	}()
}

func (t *webRtcTransport) OnDtlsClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtlsClosed = fn
}

func (t *webRtcTransport) handleNotification(event string, data json.RawMessage) {
	if event != "dtlsstatechange" {
		return
	}
	var payload struct {
		DtlsState string `json:"dtlsState"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.DtlsState != "closed" {
		return
	}

	t.mu.Lock()
	fn := t.onDtlsClosed
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *webRtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.channel.Unsubscribe(t.id)

	ctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
	defer cancel()
	_, _ = t.channel.Request(ctx, "transport.close", t.id, nil)
}
