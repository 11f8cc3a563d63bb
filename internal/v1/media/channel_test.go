package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker drives the remote ends of a channel's socket pair from a test.
type fakeWorker struct {
	reqConn  net.Conn
	respConn net.Conn
	reader   *bufio.Reader
}

func newTestChannel(t *testing.T) (*channel, *fakeWorker) {
	t.Helper()
	reqLocal, reqRemote := net.Pipe()
	respLocal, respRemote := net.Pipe()

	c := newChannel(reqLocal, respLocal)
	w := &fakeWorker{reqConn: reqRemote, respConn: respRemote, reader: bufio.NewReader(reqRemote)}
	t.Cleanup(func() {
		c.Close()
		w.reqConn.Close()
		w.respConn.Close()
	})
	return c, w
}

func (w *fakeWorker) readRequest(t *testing.T) channelRequest {
	t.Helper()
	payload, err := readNetstring(w.reader)
	require.NoError(t, err)
	var req channelRequest
	require.NoError(t, json.Unmarshal(payload, &req))
	return req
}

func (w *fakeWorker) send(t *testing.T, msg channelMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = fmt.Fprintf(w.respConn, "%d:%s,", len(payload), payload)
	require.NoError(t, err)
}

func TestChannelRequestResponse(t *testing.T) {
	c, w := newTestChannel(t)

	go func() {
		req := w.readRequest(t)
		assert.Equal(t, "router.canConsume", req.Method)
		assert.Equal(t, "router-1", req.TargetID)
		w.send(t, channelMessage{
			ID:       req.ID,
			Accepted: true,
			Data:     json.RawMessage(`{"canConsume":true}`),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.Request(ctx, "router.canConsume", "router-1", map[string]any{"producerId": "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"canConsume":true}`, string(data))
}

func TestChannelRequestWorkerError(t *testing.T) {
	c, w := newTestChannel(t)

	go func() {
		req := w.readRequest(t)
		w.send(t, channelMessage{ID: req.ID, Error: "TypeError", Reason: "producer not found"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Request(ctx, "transport.consume", "t1", nil)
	require.Error(t, err)
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "TypeError", werr.Kind)
	assert.Equal(t, "producer not found", werr.Reason)
}

func TestChannelRequestContextDeadline(t *testing.T) {
	c, w := newTestChannel(t)

	// Drain the request but never answer it.
	go func() {
		_ = w.readRequest(t)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, "transport.connect", "t1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelNotificationDemux(t *testing.T) {
	c, w := newTestChannel(t)

	got := make(chan string, 1)
	c.Subscribe("transport-1", func(event string, data json.RawMessage) {
		got <- event
	})

	w.send(t, channelMessage{TargetID: "transport-1", Event: "dtlsstatechange", Data: json.RawMessage(`{"dtlsState":"closed"}`)})

	select {
	case event := <-got:
		assert.Equal(t, "dtlsstatechange", event)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	// After unsubscribe nothing is delivered.
	c.Unsubscribe("transport-1")
	w.send(t, channelMessage{TargetID: "transport-1", Event: "dtlsstatechange"})
	select {
	case <-got:
		t.Fatal("notification delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelRequestAfterClose(t *testing.T) {
	c, _ := newTestChannel(t)
	c.Close()

	_, err := c.Request(context.Background(), "transport.connect", "t1", nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelPendingFailOnPeerDisconnect(t *testing.T) {
	c, w := newTestChannel(t)

	go func() {
		_ = w.readRequest(t)
		// Kill the response side mid-flight.
		w.respConn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Request(ctx, "transport.produce", "t1", nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestReadNetstringRejectsOversized(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		fmt.Fprintf(remote, "%d:", nsMessageMaxLen+1)
	}()

	_, err := readNetstring(bufio.NewReader(local))
	assert.Error(t, err)
}
