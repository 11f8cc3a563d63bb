package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/huddlekit/signaling/internal/v1/media"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// sentFrame records one event delivered to a fake session.
type sentFrame struct {
	Event string
	Data  any
}

type fakeSession struct {
	id types.PeerIDType

	mu           sync.Mutex
	sent         []sentFrame
	disconnected bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: types.PeerIDType(id)}
}

func (s *fakeSession) GetID() types.PeerIDType { return s.id }

func (s *fakeSession) Send(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentFrame{Event: event, Data: data})
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSession) frames(event string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentFrame
	for _, f := range s.sent {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSession) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// --- Fake media facade ---

type fakeProvider struct {
	mu      sync.Mutex
	routers []*fakeRouter
}

func (f *fakeProvider) CreateRouter(_ context.Context, _ types.Opaque) (media.Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRouter{
		id:         fmt.Sprintf("router-%d", len(f.routers)+1),
		canConsume: true,
	}
	f.routers = append(f.routers, r)
	return r, nil
}

type fakeRouter struct {
	id string

	mu         sync.Mutex
	canConsume bool
	transports []*fakeTransport
	closeCount int
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) RtpCapabilities() types.Opaque {
	return json.RawMessage(`{"codecs":[]}`)
}

func (r *fakeRouter) CanConsume(_ context.Context, _ string, _ types.Opaque) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canConsume, nil
}

func (r *fakeRouter) setCanConsume(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canConsume = v
}

func (r *fakeRouter) CreateWebRtcTransport(_ context.Context, _ media.WebRtcTransportOptions) (media.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &fakeTransport{id: fmt.Sprintf("%s-transport-%d", r.id, len(r.transports)+1)}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *fakeRouter) lastTransport() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transports) == 0 {
		return nil
	}
	return r.transports[len(r.transports)-1]
}

func (r *fakeRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCount++
}

func (r *fakeRouter) closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCount
}

type fakeTransport struct {
	id string

	mu           sync.Mutex
	connected    bool
	closed       bool
	maxBitrate   int
	producers    []*fakeProducer
	consumers    []*fakeConsumer
	onDtlsClosed func()
}

func (t *fakeTransport) ID() string                   { return t.id }
func (t *fakeTransport) IceParameters() types.Opaque  { return json.RawMessage(`{"ice":true}`) }
func (t *fakeTransport) IceCandidates() types.Opaque  { return json.RawMessage(`[]`) }
func (t *fakeTransport) DtlsParameters() types.Opaque { return json.RawMessage(`{"dtls":true}`) }

func (t *fakeTransport) Connect(_ context.Context, _ types.Opaque) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(_ context.Context, kind types.MediaKind, _ types.Opaque) (media.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &fakeProducer{id: fmt.Sprintf("%s-producer-%d", t.id, len(t.producers)+1), kind: kind}
	t.producers = append(t.producers, p)
	return p, nil
}

func (t *fakeTransport) Consume(_ context.Context, producerID string, _ types.Opaque) (media.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &fakeConsumer{
		id:         fmt.Sprintf("%s-consumer-%d", t.id, len(t.consumers)+1),
		producerID: producerID,
		kind:       types.MediaKindVideo,
		paused:     true,
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *fakeTransport) lastConsumer() *fakeConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.consumers) == 0 {
		return nil
	}
	return t.consumers[len(t.consumers)-1]
}

func (t *fakeTransport) SetMaxIncomingBitrate(_ context.Context, bitrate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxBitrate = bitrate
	return nil
}

func (t *fakeTransport) OnDtlsClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtlsClosed = fn
}

func (t *fakeTransport) fireDtlsClosed() {
	t.mu.Lock()
	fn := t.onDtlsClosed
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	id   string
	kind types.MediaKind

	mu               sync.Mutex
	closed           bool
	onTransportClose func()
}

func (p *fakeProducer) ID() string            { return p.id }
func (p *fakeProducer) Kind() types.MediaKind { return p.kind }

func (p *fakeProducer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       types.MediaKind
	paused     bool

	mu               sync.Mutex
	resumed          bool
	closed           bool
	onTransportClose func()
	onProducerClose  func()
}

func (c *fakeConsumer) ID() string                  { return c.id }
func (c *fakeConsumer) Kind() types.MediaKind       { return c.kind }
func (c *fakeConsumer) RtpParameters() types.Opaque { return json.RawMessage(`{"rtp":true}`) }
func (c *fakeConsumer) Type() string                { return "simple" }
func (c *fakeConsumer) ProducerPaused() bool        { return c.paused }

func (c *fakeConsumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

func (c *fakeConsumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = fn
}

func (c *fakeConsumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *fakeConsumer) fireProducerClose() {
	c.mu.Lock()
	fn := c.onProducerClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConsumer) isResumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}
