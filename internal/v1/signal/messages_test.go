package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/signaling/internal/v1/types"
)

func TestDecodeEventShape(t *testing.T) {
	env, err := Decode([]byte(`{"event":"joinRoom","data":{"roomId":"r1"},"ack":3}`))
	require.NoError(t, err)

	assert.Equal(t, "joinRoom", env.Name())
	assert.True(t, env.HasAck())
	assert.Equal(t, uint64(3), *env.Ack)

	var req JoinRoomRequest
	require.NoError(t, env.Bind(&req))
	assert.Equal(t, "r1", req.RoomID)
}

func TestDecodeLegacyTypeShape(t *testing.T) {
	env, err := Decode([]byte(`{"type":"closeProducer","data":{"producerId":"p1"}}`))
	require.NoError(t, err)

	assert.Equal(t, "closeProducer", env.Name())
	assert.False(t, env.HasAck())

	var req CloseProducerRequest
	require.NoError(t, env.Bind(&req))
	assert.Equal(t, "p1", req.ProducerID)
}

func TestDecodeEventWinsOverType(t *testing.T) {
	env, err := Decode([]byte(`{"event":"produce","type":"ignored","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "produce", env.Name())
}

func TestDecodeRejectsNamelessFrame(t *testing.T) {
	_, err := Decode([]byte(`{"data":{"roomId":"r1"}}`))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"event":`))
	assert.Error(t, err)
}

func TestBindEmptyData(t *testing.T) {
	env := &Envelope{Event: "consume"}
	var req ConsumeRequest
	assert.Error(t, env.Bind(&req))
}

func TestReplyEchoesAck(t *testing.T) {
	raw, err := Reply("consume", 7, ConsumeResponse{Error: "NotFound: no such producer"})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "consume", env.Name())
	require.True(t, env.HasAck())
	assert.Equal(t, uint64(7), *env.Ack)

	var resp ConsumeResponse
	require.NoError(t, env.Bind(&resp))
	assert.Nil(t, resp.Params)
	assert.Contains(t, resp.Error, "NotFound")
}

func TestEventFrame(t *testing.T) {
	raw, err := EventFrame(EventNewProducer, NewProducerEvent{
		ProducerID: "p1",
		PeerID:     "peer-a",
		Kind:       "video",
	})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventNewProducer, env.Name())
	assert.False(t, env.HasAck())

	var ev NewProducerEvent
	require.NoError(t, env.Bind(&ev))
	assert.Equal(t, "p1", ev.ProducerID)
	assert.Equal(t, "peer-a", ev.PeerID)
}

func TestProducerClosedOmitsEmptyConsumerID(t *testing.T) {
	raw, err := json.Marshal(ProducerClosedEvent{ProducerID: "p1"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "consumerId")
}

func TestAppDataMediaTypeRoundTrip(t *testing.T) {
	raw, err := json.Marshal(NewProducerEvent{
		ProducerID: "p1",
		PeerID:     "a",
		Kind:       "video",
		AppData:    types.AppData{MediaType: types.MediaTypeScreen},
	})
	require.NoError(t, err)

	var ev NewProducerEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, types.MediaTypeScreen, ev.AppData.MediaType)
}
