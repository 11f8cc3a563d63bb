package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/metrics"
	"github.com/huddlekit/signaling/internal/v1/room"
	"github.com/huddlekit/signaling/internal/v1/signal"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// dispatchTimeout bounds one request/response signaling operation, media
// worker round-trips included.
const dispatchTimeout = 10 * time.Second

// dispatch routes one inbound frame. Every acked request gets exactly one
// reply; the legacy no-ack closeProducer and requestSync forms drop their
// errors with a log entry.
func (c *Client) dispatch(raw []byte) {
	env, err := signal.Decode(raw)
	if err != nil {
		logging.Warn(context.Background(), "Discarding malformed frame", zap.String("peerId", string(c.id)), zap.Error(err))
		c.Send("error", signal.ErrorReply{Error: "malformed frame"})
		return
	}

	if c.sessionState() == types.SessionTerminated {
		return
	}

	ctx, cancel := context.WithTimeout(logging.WithPeer(context.Background(), string(c.id), ""), dispatchTimeout)
	defer cancel()

	event := env.Name()
	start := time.Now()
	err = c.route(ctx, env)
	metrics.DispatchDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = room.KindOf(err).String()
		c.logDispatchError(ctx, event, err)
	}
	metrics.SignalingEvents.WithLabelValues(event, status).Inc()
}

func (c *Client) route(ctx context.Context, env *signal.Envelope) error {
	switch env.Name() {
	case signal.EventJoinRoom:
		return c.handleJoinRoom(ctx, env)
	case signal.EventCreateTransport:
		return c.handleCreateTransport(ctx, env)
	case signal.EventConnectTransport:
		return c.handleConnectTransport(ctx, env)
	case signal.EventProduce:
		return c.handleProduce(ctx, env)
	case signal.EventConsume:
		return c.handleConsume(ctx, env)
	case signal.EventResumeConsumer:
		return c.handleResumeConsumer(ctx, env)
	case signal.EventCloseProducer:
		return c.handleCloseProducer(ctx, env)
	case signal.EventKickPeer:
		return c.handleKickPeer(ctx, env)
	case signal.EventRequestSync:
		return c.handleRequestSync(ctx, env)
	default:
		err := &room.Error{Kind: room.KindNotFound, Op: env.Name(), Msg: "unknown event"}
		c.replyError(env, err)
		return err
	}
}

func (c *Client) handleJoinRoom(ctx context.Context, env *signal.Envelope) error {
	var req signal.JoinRoomRequest
	if err := env.Bind(&req); err != nil || req.RoomID == "" {
		return c.bindError(env, signal.EventJoinRoom)
	}

	if current := c.joinedRoom(); current != nil && current.GetID() != types.RoomIDType(req.RoomID) {
		err := &room.Error{Kind: room.KindPreconditionFailed, Op: signal.EventJoinRoom, Msg: "already joined another room"}
		c.replyError(env, err)
		return err
	}

	r := c.hub.getOrCreateRoom(types.RoomIDType(req.RoomID))
	resp, err := r.Join(ctx, c)
	if err != nil {
		c.replyError(env, err)
		return err
	}
	c.setJoined(r)
	c.reply(env, resp)
	return nil
}

func (c *Client) handleCreateTransport(ctx context.Context, env *signal.Envelope) error {
	var req signal.CreateTransportRequest
	if err := env.Bind(&req); err != nil {
		return c.bindError(env, signal.EventCreateTransport)
	}
	r, err := c.requireJoined(signal.EventCreateTransport)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	params, err := r.CreateWebRtcTransport(ctx, c.id, req.Sender)
	if err != nil {
		c.reply(env, signal.CreateTransportResponse{Error: err.Error()})
		return err
	}
	c.reply(env, signal.CreateTransportResponse{Params: params})
	return nil
}

func (c *Client) handleConnectTransport(ctx context.Context, env *signal.Envelope) error {
	var req signal.ConnectTransportRequest
	if err := env.Bind(&req); err != nil {
		return c.bindError(env, signal.EventConnectTransport)
	}
	r, err := c.requireJoined(signal.EventConnectTransport)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	if err := r.ConnectTransport(ctx, c.id, req.Sender, req.DtlsParameters); err != nil {
		c.replyError(env, err)
		return err
	}
	c.reply(env, struct{}{})
	return nil
}

func (c *Client) handleProduce(ctx context.Context, env *signal.Envelope) error {
	var req signal.ProduceRequest
	if err := env.Bind(&req); err != nil {
		return c.bindError(env, signal.EventProduce)
	}
	r, err := c.requireJoined(signal.EventProduce)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	producerID, err := r.Produce(ctx, c.id, req.Kind, req.RtpParameters, req.AppData)
	if err != nil {
		c.reply(env, signal.ProduceResponse{Error: err.Error()})
		return err
	}
	c.reply(env, signal.ProduceResponse{ProducerID: string(producerID)})
	return nil
}

func (c *Client) handleConsume(ctx context.Context, env *signal.Envelope) error {
	var req signal.ConsumeRequest
	if err := env.Bind(&req); err != nil || req.ProducerID == "" {
		return c.bindError(env, signal.EventConsume)
	}
	r, err := c.requireJoined(signal.EventConsume)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	params, err := r.Consume(ctx, c.id, types.ProducerIDType(req.ProducerID), req.RtpCapabilities)
	if err != nil {
		c.reply(env, signal.ConsumeResponse{Error: err.Error()})
		return err
	}
	c.reply(env, signal.ConsumeResponse{Params: params})
	return nil
}

func (c *Client) handleResumeConsumer(ctx context.Context, env *signal.Envelope) error {
	var req signal.ResumeConsumerRequest
	if err := env.Bind(&req); err != nil || req.ConsumerID == "" {
		return c.bindError(env, signal.EventResumeConsumer)
	}
	r, err := c.requireJoined(signal.EventResumeConsumer)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	if err := r.ResumeConsumer(ctx, c.id, types.ConsumerIDType(req.ConsumerID)); err != nil {
		c.replyError(env, err)
		return err
	}
	c.reply(env, struct{}{})
	return nil
}

func (c *Client) handleCloseProducer(ctx context.Context, env *signal.Envelope) error {
	var req signal.CloseProducerRequest
	if err := env.Bind(&req); err != nil || req.ProducerID == "" {
		return c.bindError(env, signal.EventCloseProducer)
	}
	r, err := c.requireJoined(signal.EventCloseProducer)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	if err := r.CloseProducer(ctx, c.id, types.ProducerIDType(req.ProducerID)); err != nil {
		c.replyError(env, err)
		return err
	}
	c.reply(env, struct{}{})
	return nil
}

func (c *Client) handleKickPeer(ctx context.Context, env *signal.Envelope) error {
	var req signal.KickPeerRequest
	if err := env.Bind(&req); err != nil || req.PeerID == "" || req.RoomID == "" {
		return c.bindError(env, signal.EventKickPeer)
	}

	r := c.hub.getRoom(types.RoomIDType(req.RoomID))
	if r == nil {
		err := &room.Error{Kind: room.KindNotFound, Op: signal.EventKickPeer, Msg: "room not found"}
		c.replyError(env, err)
		return err
	}

	if err := r.KickPeer(ctx, types.PeerIDType(req.PeerID)); err != nil {
		c.replyError(env, err)
		return err
	}
	c.reply(env, struct{}{})
	return nil
}

func (c *Client) handleRequestSync(ctx context.Context, env *signal.Envelope) error {
	var req signal.RequestSyncRequest
	if err := env.Bind(&req); err != nil || req.PeerID == "" {
		return c.bindError(env, signal.EventRequestSync)
	}
	r, err := c.requireJoined(signal.EventRequestSync)
	if err != nil {
		c.replyError(env, err)
		return err
	}

	if err := r.RequestSync(ctx, types.PeerIDType(req.PeerID)); err != nil {
		c.replyError(env, err)
		return err
	}
	c.reply(env, struct{}{})
	return nil
}

// requireJoined gates everything except joinRoom and kickPeer behind the
// JOINED session state.
func (c *Client) requireJoined(op string) (*room.Room, error) {
	if c.sessionState() != types.SessionJoined {
		return nil, &room.Error{Kind: room.KindPreconditionFailed, Op: op, Msg: "not joined to a room"}
	}
	r := c.joinedRoom()
	if r == nil {
		return nil, &room.Error{Kind: room.KindPreconditionFailed, Op: op, Msg: "not joined to a room"}
	}
	return r, nil
}

func (c *Client) bindError(env *signal.Envelope, op string) error {
	err := &room.Error{Kind: room.KindPreconditionFailed, Op: op, Msg: "invalid request payload"}
	c.replyError(env, err)
	return err
}

// reply echoes the request's ack id with the response payload. Requests
// without an ack get no reply frame.
func (c *Client) reply(env *signal.Envelope, data any) {
	if !env.HasAck() {
		return
	}
	frame, err := signal.Reply(env.Name(), *env.Ack, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal reply", zap.String("event", env.Name()), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Client) replyError(env *signal.Envelope, err error) {
	if !env.HasAck() {
		logging.Warn(context.Background(), "Dropping error for no-ack request",
			zap.String("peerId", string(c.id)),
			zap.String("event", env.Name()),
			zap.Error(err))
		return
	}
	c.reply(env, signal.ErrorReply{Error: err.Error()})
}

// logDispatchError applies the severity policy of the error taxonomy.
func (c *Client) logDispatchError(ctx context.Context, event string, err error) {
	fields := []zap.Field{
		zap.String("peerId", string(c.id)),
		zap.String("event", event),
		zap.Error(err),
	}
	switch room.KindOf(err) {
	case room.KindNotFound:
		logging.GetLogger().Debug("Signaling request failed", fields...)
	case room.KindPreconditionFailed, room.KindCannotConsume:
		logging.Info(ctx, "Signaling request rejected", fields...)
	case room.KindMediaError, room.KindTimeout:
		logging.Warn(ctx, "Signaling request failed", fields...)
	default:
		logging.Error(ctx, "Signaling request failed", fields...)
	}
}
