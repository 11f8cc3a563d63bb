package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/huddlekit/signaling/internal/v1/types"
)

type consumer struct {
	id             string
	kind           types.MediaKind
	rtpParameters  types.Opaque
	consumerType   string
	producerPaused bool
	channel        *channel

	mu               sync.Mutex
	closed           bool
	onTransportClose func()
	onProducerClose  func()
}

func (c *consumer) ID() string {
	return c.id
}

func (c *consumer) Kind() types.MediaKind {
	return c.kind
}

func (c *consumer) RtpParameters() types.Opaque {
	return c.rtpParameters
}

func (c *consumer) Type() string {
	return c.consumerType
}

func (c *consumer) ProducerPaused() bool {
	return c.producerPaused
}

func (c *consumer) Resume(ctx context.Context) error {
	_, err := c.channel.Request(ctx, "consumer.resume", c.id, nil)
	if err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	return nil
}

func (c *consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = fn
}

func (c *consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *consumer) handleNotification(event string, _ json.RawMessage) {
	if event != "transportclose" && event != "producerclose" {
		return
	}

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	var fn func()
	if event == "transportclose" {
		fn = c.onTransportClose
	} else {
		fn = c.onProducerClose
	}
	c.mu.Unlock()

	if alreadyClosed {
		return
	}
	c.channel.Unsubscribe(c.id)
	if fn != nil {
		fn()
	}
}

func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.channel.Unsubscribe(c.id)

	ctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
	defer cancel()
	_, _ = c.channel.Request(ctx, "consumer.close", c.id, nil)
}
