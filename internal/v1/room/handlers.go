package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/media"
	"github.com/huddlekit/signaling/internal/v1/metrics"
	"github.com/huddlekit/signaling/internal/v1/signal"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// Join admits a peer into the room, creating the router on first join.
// The reply lists every producer the peer can consume; everyone else
// learns about the peer via newPeer. A repeated join by the same peer
// refreshes the reply and does not re-emit newPeer.
func (r *Room) Join(ctx context.Context, session types.PeerSession) (*signal.JoinRoomResponse, error) {
	const op = "joinRoom"
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, precondition(op, "room %q is closed", r.ID)
	}

	if r.router == nil {
		if r.workers == nil {
			return nil, &Error{Kind: KindMediaError, Op: op, Msg: "no media workers available"}
		}
		router, err := r.workers.CreateRouter(ctx, r.mediaCfg.MediaCodecs)
		if err != nil {
			return nil, mediaError(op, err)
		}
		r.router = router
	}

	peerID := session.GetID()
	if p, rejoin := r.peers[peerID]; rejoin {
		p.session = session
	} else {
		r.peers[peerID] = &peerState{
			session:   session,
			consumers: make(map[types.ConsumerIDType]*consumerState),
		}
		metrics.RoomPeers.WithLabelValues(string(r.ID)).Set(float64(len(r.peers)))
		logging.Info(ctx, "Peer joined", zap.String("room", string(r.ID)), zap.String("peerId", string(peerID)))
		r.broadcastLocked(peerID, signal.EventNewPeer, signal.NewPeerEvent{PeerID: string(peerID)})
	}

	resp := &signal.JoinRoomResponse{
		RouterRtpCapabilities: r.router.RtpCapabilities(),
		CurrentProducers:      make([]signal.ProducerInfo, 0, len(r.producers)),
	}
	for _, ps := range r.producers {
		if ps.ownerID == peerID {
			continue
		}
		resp.CurrentProducers = append(resp.CurrentProducers, signal.ProducerInfo{
			ProducerID: string(ps.id),
			PeerID:     string(ps.ownerID),
			Kind:       ps.kind,
			AppData:    ps.appData,
		})
	}
	return resp, nil
}

// CreateWebRtcTransport creates the peer's transport for one direction.
// Each (peer, direction) slot holds at most one live transport; a repeat
// request returns the existing transport's handshake parameters.
func (r *Room) CreateWebRtcTransport(ctx context.Context, peerID types.PeerIDType, sender bool) (*signal.TransportParams, error) {
	const op = "createWebRtcTransport"
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil, notFound(op, "peer %q not in room %q", peerID, r.ID)
	}

	if existing := p.transport(sender); existing != nil {
		return transportParams(existing), nil
	}

	t, err := r.router.CreateWebRtcTransport(ctx, r.mediaCfg.Transport)
	if err != nil {
		return nil, mediaError(op, err)
	}

	if sender && r.mediaCfg.MaxIncomingBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(ctx, r.mediaCfg.MaxIncomingBitrate); err != nil {
			logging.Warn(ctx, "Failed to cap incoming bitrate", zap.String("room", string(r.ID)), zap.Error(err))
		}
	}

	p.setTransport(sender, t)
	transportID := t.ID()
	t.OnDtlsClosed(func() {
		go r.handleTransportDtlsClosed(peerID, sender, transportID)
	})

	logging.Info(ctx, "Transport created",
		zap.String("room", string(r.ID)),
		zap.String("peerId", string(peerID)),
		zap.String("transportId", transportID),
		zap.Bool("sender", sender))
	return transportParams(t), nil
}

// ConnectTransport forwards the client's DTLS parameters to the transport.
func (r *Room) ConnectTransport(ctx context.Context, peerID types.PeerIDType, sender bool, dtlsParameters types.Opaque) error {
	const op = "connectTransport"
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return notFound(op, "peer %q not in room %q", peerID, r.ID)
	}
	t := p.transport(sender)
	if t == nil {
		return notFound(op, "peer %q has no %s transport", peerID, direction(sender))
	}
	if err := t.Connect(ctx, dtlsParameters); err != nil {
		return mediaError(op, err)
	}
	return nil
}

// Produce publishes a new media source over the peer's send transport and
// announces it to the rest of the room.
func (r *Room) Produce(ctx context.Context, peerID types.PeerIDType, kind types.MediaKind, rtpParameters types.Opaque, appData types.AppData) (types.ProducerIDType, error) {
	const op = "produce"
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return "", notFound(op, "peer %q not in room %q", peerID, r.ID)
	}
	if p.sendTransport == nil {
		return "", precondition(op, "peer %q has no send transport", peerID)
	}
	if kind != types.MediaKindAudio && kind != types.MediaKindVideo {
		return "", precondition(op, "unknown media kind %q", kind)
	}
	if appData.MediaType == "" {
		appData.MediaType = types.MediaTypeCamera
	}

	prod, err := p.sendTransport.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return "", mediaError(op, err)
	}

	producerID := types.ProducerIDType(prod.ID())
	r.producers[producerID] = &producerState{
		producer: prod,
		id:       producerID,
		ownerID:  peerID,
		kind:     kind,
		appData:  appData,
	}
	prod.OnTransportClose(func() {
		go r.handleProducerTransportClosed(producerID)
	})
	metrics.ActiveProducers.Inc()

	logging.Info(ctx, "Producer created",
		zap.String("room", string(r.ID)),
		zap.String("peerId", string(peerID)),
		zap.String("producerId", string(producerID)),
		zap.String("kind", string(kind)),
		zap.String("mediaType", string(appData.MediaType)))

	r.broadcastLocked(peerID, signal.EventNewProducer, signal.NewProducerEvent{
		ProducerID: string(producerID),
		PeerID:     string(peerID),
		Kind:       kind,
		AppData:    appData,
	})
	return producerID, nil
}

// Consume subscribes the peer to a remote producer over its recv transport.
// The consumer starts paused; the peer resumes it once its local side is
// wired up.
func (r *Room) Consume(ctx context.Context, peerID types.PeerIDType, producerID types.ProducerIDType, rtpCapabilities types.Opaque) (*signal.ConsumerParams, error) {
	const op = "consume"
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil, notFound(op, "peer %q not in room %q", peerID, r.ID)
	}
	ps, ok := r.producers[producerID]
	if !ok {
		return nil, notFound(op, "producer %q not in room %q", producerID, r.ID)
	}
	if ps.ownerID == peerID {
		return nil, precondition(op, "peer %q owns producer %q", peerID, producerID)
	}

	canConsume, err := r.router.CanConsume(ctx, string(producerID), rtpCapabilities)
	if err != nil {
		return nil, mediaError(op, err)
	}
	if !canConsume {
		return nil, cannotConsume(op, "router cannot consume producer %q with given capabilities", producerID)
	}

	if p.recvTransport == nil {
		return nil, notFound(op, "peer %q has no recv transport", peerID)
	}

	cons, err := p.recvTransport.Consume(ctx, string(producerID), rtpCapabilities)
	if err != nil {
		return nil, mediaError(op, err)
	}

	consumerID := types.ConsumerIDType(cons.ID())
	p.consumers[consumerID] = &consumerState{
		consumer:   cons,
		id:         consumerID,
		producerID: producerID,
		peerID:     peerID,
	}
	cons.OnProducerClose(func() {
		go r.handleConsumerProducerClosed(peerID, consumerID, producerID)
	})
	cons.OnTransportClose(func() {
		go r.handleConsumerTransportClosed(peerID, consumerID)
	})
	metrics.ActiveConsumers.Inc()

	logging.Info(ctx, "Consumer created",
		zap.String("room", string(r.ID)),
		zap.String("peerId", string(peerID)),
		zap.String("producerId", string(producerID)),
		zap.String("consumerId", string(consumerID)))

	return &signal.ConsumerParams{
		ID:             string(consumerID),
		ProducerID:     string(producerID),
		PeerID:         string(ps.ownerID),
		Kind:           cons.Kind(),
		RtpParameters:  cons.RtpParameters(),
		Type:           cons.Type(),
		ProducerPaused: cons.ProducerPaused(),
	}, nil
}

// ResumeConsumer unpauses a consumer the peer owns.
func (r *Room) ResumeConsumer(ctx context.Context, peerID types.PeerIDType, consumerID types.ConsumerIDType) error {
	const op = "resumeConsumer"
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return notFound(op, "peer %q not in room %q", peerID, r.ID)
	}
	cs, ok := p.consumers[consumerID]
	if !ok {
		return notFound(op, "consumer %q not held by peer %q", consumerID, peerID)
	}
	if err := cs.consumer.Resume(ctx); err != nil {
		return mediaError(op, err)
	}
	return nil
}

// CloseProducer closes a producer on its owner's request, closing every
// consumer referencing it and notifying their peers.
func (r *Room) CloseProducer(ctx context.Context, peerID types.PeerIDType, producerID types.ProducerIDType) error {
	const op = "closeProducer"
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.producers[producerID]
	if !ok {
		return notFound(op, "producer %q not in room %q", producerID, r.ID)
	}
	if ps.ownerID != peerID {
		return precondition(op, "peer %q does not own producer %q", peerID, producerID)
	}

	r.closeProducerLocked(ps)
	return nil
}

// DisconnectPeer runs the disconnect pipeline for a peer whose connection
// dropped. Already-removed peers are a no-op.
func (r *Room) DisconnectPeer(ctx context.Context, peerID types.PeerIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	r.removePeerLocked(peerID, p, "disconnect")
	r.reapIfEmptyLocked()
}

// KickPeer removes the target peer and closes its connection. The source
// performs no authorization; deployments gate this at a policy layer.
func (r *Room) KickPeer(ctx context.Context, targetID types.PeerIDType) error {
	const op = "kickPeer"
	r.mu.Lock()
	p, ok := r.peers[targetID]
	if !ok {
		r.mu.Unlock()
		return notFound(op, "peer %q not in room %q", targetID, r.ID)
	}
	session := p.session
	r.removePeerLocked(targetID, p, "kick")
	r.reapIfEmptyLocked()
	r.mu.Unlock()

	session.Disconnect()
	return nil
}

// RequestSync forwards an advisory republish hint to the target peer.
func (r *Room) RequestSync(ctx context.Context, targetID types.PeerIDType) error {
	const op = "requestSync"
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[targetID]
	if !ok {
		return notFound(op, "peer %q not in room %q", targetID, r.ID)
	}
	p.session.Send(signal.EventRequestSync, signal.RequestSyncEvent{})
	return nil
}

// --- Media event callbacks ---
//
// These run on their own goroutines, posted from the media facade's
// notification path, and re-enter the room through the lock like any
// other mutation.

func (r *Room) handleTransportDtlsClosed(peerID types.PeerIDType, sender bool, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	t := p.transport(sender)
	if t == nil || t.ID() != transportID {
		return
	}

	logging.Info(context.Background(), "Transport DTLS closed",
		zap.String("room", string(r.ID)),
		zap.String("peerId", string(peerID)),
		zap.String("transportId", transportID))
	r.closeTransportLocked(p, peerID, sender)

	// The peer may re-create the transport; only a peer left with no
	// media state at all is treated as disconnected.
	if p.sendTransport == nil && p.recvTransport == nil && len(p.consumers) == 0 && !r.peerOwnsProducerLocked(peerID) {
		r.removePeerLocked(peerID, p, "dtls closed")
		r.reapIfEmptyLocked()
	}
}

func (r *Room) handleProducerTransportClosed(producerID types.ProducerIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.producers[producerID]
	if !ok {
		return
	}
	r.closeProducerLocked(ps)
}

func (r *Room) handleConsumerProducerClosed(peerID types.PeerIDType, consumerID types.ConsumerIDType, producerID types.ProducerIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	cs, ok := p.consumers[consumerID]
	if !ok {
		return
	}
	if !cs.closedNotified {
		cs.closedNotified = true
		p.session.Send(signal.EventProducerClosed, signal.ProducerClosedEvent{
			ProducerID: string(producerID),
			ConsumerID: string(consumerID),
		})
	}
	cs.consumer.Close()
	delete(p.consumers, consumerID)
	metrics.ActiveConsumers.Dec()
}

func (r *Room) handleConsumerTransportClosed(peerID types.PeerIDType, consumerID types.ConsumerIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	cs, ok := p.consumers[consumerID]
	if !ok {
		return
	}
	cs.consumer.Close()
	delete(p.consumers, consumerID)
	metrics.ActiveConsumers.Dec()
}

// --- Locked helpers ---

// closeProducerLocked closes a producer and every consumer referencing it.
// Consuming peers get producerClosed with their consumerId exactly once;
// everyone else gets the bare broadcast.
func (r *Room) closeProducerLocked(ps *producerState) {
	notified := make(map[types.PeerIDType]bool)

	for _, peer := range r.peers {
		for cid, cs := range peer.consumers {
			if cs.producerID != ps.id {
				continue
			}
			if !cs.closedNotified {
				cs.closedNotified = true
				peer.session.Send(signal.EventProducerClosed, signal.ProducerClosedEvent{
					ProducerID: string(ps.id),
					ConsumerID: string(cid),
				})
			}
			notified[cs.peerID] = true
			cs.consumer.Close()
			delete(peer.consumers, cid)
			metrics.ActiveConsumers.Dec()
		}
	}

	for id, peer := range r.peers {
		if id == ps.ownerID || notified[id] {
			continue
		}
		peer.session.Send(signal.EventProducerClosed, signal.ProducerClosedEvent{ProducerID: string(ps.id)})
	}
	r.publishLocked(ps.ownerID, signal.EventProducerClosed, signal.ProducerClosedEvent{ProducerID: string(ps.id)})

	ps.producer.Close()
	delete(r.producers, ps.id)
	metrics.ActiveProducers.Dec()

	logging.Info(context.Background(), "Producer closed",
		zap.String("room", string(r.ID)),
		zap.String("producerId", string(ps.id)),
		zap.String("ownerId", string(ps.ownerID)))
}

// closeTransportLocked closes one transport slot and cascades to the
// resources riding on it.
func (r *Room) closeTransportLocked(p *peerState, peerID types.PeerIDType, sender bool) {
	t := p.transport(sender)
	if t == nil {
		return
	}
	p.setTransport(sender, nil)

	if sender {
		for _, ps := range r.producers {
			if ps.ownerID == peerID {
				r.closeProducerLocked(ps)
			}
		}
	} else {
		for cid, cs := range p.consumers {
			cs.consumer.Close()
			delete(p.consumers, cid)
			metrics.ActiveConsumers.Dec()
		}
	}
	t.Close()
}

// removePeerLocked is the disconnect pipeline: producers, consumers,
// transports, peer entry, peerLeft, in that order.
func (r *Room) removePeerLocked(peerID types.PeerIDType, p *peerState, reason string) {
	for _, ps := range r.producers {
		if ps.ownerID == peerID {
			r.closeProducerLocked(ps)
		}
	}
	for cid, cs := range p.consumers {
		cs.consumer.Close()
		delete(p.consumers, cid)
		metrics.ActiveConsumers.Dec()
	}
	if p.sendTransport != nil {
		p.sendTransport.Close()
		p.sendTransport = nil
	}
	if p.recvTransport != nil {
		p.recvTransport.Close()
		p.recvTransport = nil
	}
	delete(r.peers, peerID)

	if len(r.peers) > 0 {
		metrics.RoomPeers.WithLabelValues(string(r.ID)).Set(float64(len(r.peers)))
	} else {
		metrics.RoomPeers.DeleteLabelValues(string(r.ID))
	}

	logging.Info(context.Background(), "Peer removed",
		zap.String("room", string(r.ID)),
		zap.String("peerId", string(peerID)),
		zap.String("reason", reason))
	r.broadcastLocked(peerID, signal.EventPeerLeft, signal.PeerLeftEvent{PeerID: string(peerID)})
}

func (r *Room) peerOwnsProducerLocked(peerID types.PeerIDType) bool {
	for _, ps := range r.producers {
		if ps.ownerID == peerID {
			return true
		}
	}
	return false
}

func (p *peerState) transport(sender bool) media.Transport {
	if sender {
		return p.sendTransport
	}
	return p.recvTransport
}

func (p *peerState) setTransport(sender bool, t media.Transport) {
	if sender {
		p.sendTransport = t
	} else {
		p.recvTransport = t
	}
}

func transportParams(t media.Transport) *signal.TransportParams {
	return &signal.TransportParams{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}
}

func direction(sender bool) string {
	if sender {
		return "send"
	}
	return "recv"
}
