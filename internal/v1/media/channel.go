package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/metrics"
)

// nsMessageMaxLen bounds a single netstring payload read off the worker.
const nsMessageMaxLen = 4194304

// ErrChannelClosed reports a request issued against a dead worker channel.
var ErrChannelClosed = errors.New("media worker channel closed")

// WorkerError is an error reported by the worker for a channel request.
type WorkerError struct {
	Kind   string
	Reason string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Kind, e.Reason)
}

type channelRequest struct {
	ID       int64           `json:"id"`
	Method   string          `json:"method"`
	TargetID string          `json:"targetId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type channelMessage struct {
	ID       int64           `json:"id,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// notifyHandler receives worker notifications for one target id.
type notifyHandler func(event string, data json.RawMessage)

// channel is the netstring-framed JSON request/response protocol shared with
// the worker co-process. Requests carry an int64 correlation id; frames
// without an id are notifications demuxed by target id.
type channel struct {
	writeConn net.Conn
	readConn  net.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan channelMessage
	subs    map[string]notifyHandler
	closed  bool

	done chan struct{}
}

func newChannel(writeConn, readConn net.Conn) *channel {
	c := &channel{
		writeConn: writeConn,
		readConn:  readConn,
		pending:   make(map[int64]chan channelMessage),
		subs:      make(map[string]notifyHandler),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Request sends one channel request and waits for the matching response or
// the context deadline, whichever comes first.
func (c *channel) Request(ctx context.Context, method, targetID string, data any) (json.RawMessage, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
	}

	id := c.nextID.Add(1)
	payload, err := json.Marshal(channelRequest{ID: id, Method: method, TargetID: targetID, Data: raw})
	if err != nil {
		return nil, err
	}

	ch := make(chan channelMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(payload); err != nil {
		metrics.WorkerRequests.WithLabelValues(method, "error").Inc()
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		if msg.Error != "" {
			metrics.WorkerRequests.WithLabelValues(method, "error").Inc()
			return nil, &WorkerError{Kind: msg.Error, Reason: msg.Reason}
		}
		metrics.WorkerRequests.WithLabelValues(method, "ok").Inc()
		return msg.Data, nil
	case <-ctx.Done():
		metrics.WorkerRequests.WithLabelValues(method, "timeout").Inc()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

// Subscribe routes notifications for targetID to fn until Unsubscribe.
func (c *channel) Subscribe(targetID string, fn notifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[targetID] = fn
}

func (c *channel) Unsubscribe(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, targetID)
}

func (c *channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.writeConn.Close()
	_ = c.readConn.Close()
}

func (c *channel) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := fmt.Fprintf(c.writeConn, "%d:%s,", len(payload), payload)
	if err != nil {
		return fmt.Errorf("write to worker channel: %w", err)
	}
	return nil
}

func (c *channel) readLoop() {
	r := bufio.NewReader(c.readConn)
	for {
		payload, err := readNetstring(r)
		if err != nil {
			c.failPending()
			return
		}

		var msg channelMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logging.Warn(context.Background(), "Discarding malformed worker frame", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.TargetID != "":
			c.mu.Lock()
			fn, ok := c.subs[msg.TargetID]
			c.mu.Unlock()
			if ok {
				fn(msg.Event, msg.Data)
			}
		}
	}
}

// failPending wakes every in-flight request after the channel dies.
func (c *channel) failPending() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan channelMessage)
	c.mu.Unlock()

	if !alreadyClosed {
		close(c.done)
		_ = c.writeConn.Close()
		_ = c.readConn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
}

// readNetstring reads one "<len>:<payload>," frame.
func readNetstring(r *bufio.Reader) ([]byte, error) {
	lenStr, err := r.ReadString(':')
	if err != nil {
		return nil, err
	}
	var n int
	if _, err := fmt.Sscanf(lenStr, "%d:", &n); err != nil {
		return nil, fmt.Errorf("bad netstring length %q: %w", lenStr, err)
	}
	if n < 0 || n > nsMessageMaxLen {
		return nil, fmt.Errorf("netstring length %d out of range", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	trailer, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if trailer != ',' {
		return nil, fmt.Errorf("bad netstring trailer %q", trailer)
	}
	return payload, nil
}
