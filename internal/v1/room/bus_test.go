package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/signaling/internal/v1/bus"
	"github.com/huddlekit/signaling/internal/v1/signal"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// Two rooms with the same id on separate bus instances, the shape of one
// conference spanning two signaling pods.
func newBusRooms(t *testing.T) (*Room, *Room) {
	t.Helper()
	mr := miniredis.RunT(t)

	svcA, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	svcB, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	cfg := MediaConfig{MediaCodecs: json.RawMessage(`[]`)}
	roomA := NewRoom(context.Background(), "r1", &fakeProvider{}, cfg, nil, svcA)
	roomB := NewRoom(context.Background(), "r1", &fakeProvider{}, cfg, nil, svcB)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = roomA.Shutdown(ctx)
		_ = roomB.Shutdown(ctx)
		_ = svcA.Close()
		_ = svcB.Close()
	})

	// Let both subscriptions attach before generating traffic.
	time.Sleep(100 * time.Millisecond)

	return roomA, roomB
}

// A disconnect cascade publishes peerLeft and producerClosed on the bus;
// neither may echo back into the originating instance's peers, and the
// remote instance hears each exactly once.
func TestDisconnectBroadcastsOnceAcrossInstances(t *testing.T) {
	roomA, roomB := newBusRooms(t)

	a := newFakeSession("A")
	_, err := roomA.Join(context.Background(), a)
	require.NoError(t, err)
	b := newFakeSession("B")
	_, err = roomA.Join(context.Background(), b)
	require.NoError(t, err)
	c := newFakeSession("C")
	_, err = roomB.Join(context.Background(), c)
	require.NoError(t, err)

	_, err = roomA.CreateWebRtcTransport(context.Background(), "A", true)
	require.NoError(t, err)
	producerID, err := roomA.Produce(context.Background(), "A", types.MediaKindVideo, testCaps, types.AppData{})
	require.NoError(t, err)
	_, err = roomA.CreateWebRtcTransport(context.Background(), "B", false)
	require.NoError(t, err)
	_, err = roomA.Consume(context.Background(), "B", producerID, testCaps)
	require.NoError(t, err)

	// The remote instance learns about the producer.
	require.Eventually(t, func() bool {
		return len(c.frames(signal.EventNewProducer)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	roomA.DisconnectPeer(context.Background(), "A")

	require.Eventually(t, func() bool {
		return len(b.frames(signal.EventPeerLeft)) >= 1 &&
			len(b.frames(signal.EventProducerClosed)) >= 1 &&
			len(c.frames(signal.EventPeerLeft)) >= 1 &&
			len(c.frames(signal.EventProducerClosed)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool {
		return len(b.frames(signal.EventPeerLeft)) != 1 ||
			len(b.frames(signal.EventProducerClosed)) != 1 ||
			len(c.frames(signal.EventPeerLeft)) != 1 ||
			len(c.frames(signal.EventProducerClosed)) != 1
	}, 500*time.Millisecond, 25*time.Millisecond)

	// B consumed A's producer, so its notification carries the consumerId.
	closed := b.frames(signal.EventProducerClosed)
	evt, ok := closed[0].Data.(signal.ProducerClosedEvent)
	require.True(t, ok)
	assert.Equal(t, string(producerID), evt.ProducerID)
	assert.NotEmpty(t, evt.ConsumerID)
}

func TestRemoteJoinFansOutLocally(t *testing.T) {
	roomA, roomB := newBusRooms(t)

	c := newFakeSession("C")
	_, err := roomB.Join(context.Background(), c)
	require.NoError(t, err)

	// Let C's join publish drain before A joins; roomA is empty, so it
	// lands nowhere.
	time.Sleep(200 * time.Millisecond)

	a := newFakeSession("A")
	_, err = roomA.Join(context.Background(), a)
	require.NoError(t, err)

	// C hears A's join through the bus, exactly once.
	require.Eventually(t, func() bool {
		return len(c.frames(signal.EventNewPeer)) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(c.frames(signal.EventNewPeer)) != 1
	}, 500*time.Millisecond, 25*time.Millisecond)

	// A's own join must not come back to A off the bus.
	assert.Empty(t, a.frames(signal.EventNewPeer))
}
