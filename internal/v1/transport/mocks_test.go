package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlekit/signaling/internal/v1/media"
	"github.com/huddlekit/signaling/internal/v1/signal"
	"github.com/huddlekit/signaling/internal/v1/types"
)

var errConnClosed = errors.New("scripted connection closed")

// scriptedConn is an in-memory wsConnection driven by a test.
type scriptedConn struct {
	in chan []byte

	mu      sync.Mutex
	written []signal.Envelope

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		in:      make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closeCh:
		return 0, nil, errConnClosed
	}
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closeCh:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	var env signal.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *scriptedConn) SetWriteDeadline(time.Time) error     { return nil }
func (c *scriptedConn) SetReadDeadline(time.Time) error      { return nil }
func (c *scriptedConn) SetReadLimit(int64)                   {}
func (c *scriptedConn) SetPongHandler(func(string) error)    {}

// frames returns the envelopes written so far for the given event name.
func (c *scriptedConn) frames(event string) []signal.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Envelope
	for _, env := range c.written {
		if env.Name() == event {
			out = append(out, env)
		}
	}
	return out
}

// --- Stub media facade ---

type stubProvider struct{}

func (stubProvider) CreateRouter(_ context.Context, _ types.Opaque) (media.Router, error) {
	return &stubRouter{id: "stub-router"}, nil
}

type stubRouter struct {
	id string
	mu sync.Mutex
	n  int
}

func (r *stubRouter) ID() string                   { return r.id }
func (r *stubRouter) RtpCapabilities() types.Opaque { return json.RawMessage(`{"codecs":[]}`) }

func (r *stubRouter) CanConsume(_ context.Context, _ string, _ types.Opaque) (bool, error) {
	return true, nil
}

func (r *stubRouter) CreateWebRtcTransport(_ context.Context, _ media.WebRtcTransportOptions) (media.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return &stubTransport{id: fmt.Sprintf("stub-transport-%d", r.n)}, nil
}

func (r *stubRouter) Close() {}

type stubTransport struct {
	id string
	mu sync.Mutex
	n  int
}

func (t *stubTransport) ID() string                    { return t.id }
func (t *stubTransport) IceParameters() types.Opaque   { return json.RawMessage(`{}`) }
func (t *stubTransport) IceCandidates() types.Opaque   { return json.RawMessage(`[]`) }
func (t *stubTransport) DtlsParameters() types.Opaque  { return json.RawMessage(`{}`) }
func (t *stubTransport) Connect(context.Context, types.Opaque) error { return nil }

func (t *stubTransport) Produce(_ context.Context, kind types.MediaKind, _ types.Opaque) (media.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	return &stubProducer{id: fmt.Sprintf("%s-producer-%d", t.id, t.n), kind: kind}, nil
}

func (t *stubTransport) Consume(_ context.Context, producerID string, _ types.Opaque) (media.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	return &stubConsumer{id: fmt.Sprintf("%s-consumer-%d", t.id, t.n), producerID: producerID}, nil
}

func (t *stubTransport) SetMaxIncomingBitrate(context.Context, int) error { return nil }
func (t *stubTransport) OnDtlsClosed(func())                              {}
func (t *stubTransport) Close()                                           {}

type stubProducer struct {
	id   string
	kind types.MediaKind
}

func (p *stubProducer) ID() string            { return p.id }
func (p *stubProducer) Kind() types.MediaKind { return p.kind }
func (p *stubProducer) OnTransportClose(func()) {}
func (p *stubProducer) Close()                  {}

type stubConsumer struct {
	id         string
	producerID string
}

func (c *stubConsumer) ID() string                   { return c.id }
func (c *stubConsumer) Kind() types.MediaKind        { return types.MediaKindVideo }
func (c *stubConsumer) RtpParameters() types.Opaque  { return json.RawMessage(`{}`) }
func (c *stubConsumer) Type() string                 { return "simple" }
func (c *stubConsumer) ProducerPaused() bool         { return true }
func (c *stubConsumer) Resume(context.Context) error { return nil }
func (c *stubConsumer) OnTransportClose(func())      {}
func (c *stubConsumer) OnProducerClose(func())       {}
func (c *stubConsumer) Close()                       {}
