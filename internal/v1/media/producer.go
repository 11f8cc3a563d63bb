package media

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huddlekit/signaling/internal/v1/types"
)

type producer struct {
	id      string
	kind    types.MediaKind
	channel *channel

	mu               sync.Mutex
	closed           bool
	onTransportClose func()
}

func (p *producer) ID() string {
	return p.id
}

func (p *producer) Kind() types.MediaKind {
	return p.kind
}

func (p *producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

func (p *producer) handleNotification(event string, _ json.RawMessage) {
	if event != "transportclose" {
		return
	}

	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	fn := p.onTransportClose
	p.mu.Unlock()

	if alreadyClosed {
		return
	}
	p.channel.Unsubscribe(p.id)
	if fn != nil {
		fn()
	}
}

func (p *producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.channel.Unsubscribe(p.id)

	ctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
	defer cancel()
	_, _ = p.channel.Request(ctx, "producer.close", p.id, nil)
}
