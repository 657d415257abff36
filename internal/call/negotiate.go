package call

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/proto"
)

// PoliteTowards reports whether the local peer is the polite side toward
// peerID. The peer with the lexicographically smaller id is polite: it sends
// the first offer and yields when offers collide. Both sides compute the
// identical assignment from the two ids alone — string comparison of the
// canonical id form, no negotiation round-trip.
func PoliteTowards(selfID, peerID string) bool {
	return selfID < peerID
}

// negotiator runs the per-peer offer/answer state machine. All methods are
// called from the room event loop; nothing here is safe for concurrent use.
type negotiator struct {
	selfID   string
	selfName string
	send     func(proto.SignalMsg) error
	buf      *candidateBuffer
}

// Offer creates and sends an offer to the peer. Triggered on discovery of a
// peer we are polite toward, on local media change, and (with restart=true)
// by the connection monitor. The per-peer MakingOffer flag suppresses
// concurrent duplicates; a suppressed offer latches PendingOffer so the
// renegotiation fires once the in-flight exchange settles. A restart offer
// overrides the guard because the previous negotiation is what just failed.
func (n *negotiator) Offer(p *Peer, restart bool) error {
	if p.MakingOffer && !restart {
		p.PendingOffer = true
		log.Printf("CALL: offer to %s deferred until current negotiation settles", p.ID)
		return nil
	}
	p.MakingOffer = true
	// A fresh offer describes all current local tracks, so it also covers
	// any deferred renegotiation.
	p.PendingOffer = false

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.Conn.CreateOffer(opts)
	if err != nil {
		p.MakingOffer = false
		return fmt.Errorf("create offer for %s: %w", p.ID, err)
	}
	if err := p.Conn.SetLocalDescription(offer); err != nil {
		p.MakingOffer = false
		return fmt.Errorf("set local offer for %s: %w", p.ID, err)
	}

	msg := proto.SignalMsg{
		Type:     proto.TypeOffer,
		ID:       uuid.NewString(),
		SDP:      offer.SDP,
		From:     n.selfID,
		FromName: n.selfName,
		To:       p.ID,
	}
	if err := n.send(msg); err != nil {
		p.MakingOffer = false
		return fmt.Errorf("send offer to %s: %w", p.ID, err)
	}
	log.Printf("CALL: sent offer to %s (restart=%v)", p.ID, restart)
	return nil
}

// HandleOffer applies an incoming offer and answers it. On glare — the local
// side is itself mid-offer or not stable — the impolite side ignores the
// incoming offer entirely (its own offer wins); the polite side rolls its
// in-flight offer back and accepts.
func (n *negotiator) HandleOffer(p *Peer, msg proto.SignalMsg) error {
	collision := p.MakingOffer || p.Conn.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !p.Polite {
			log.Printf("CALL: glare with %s — impolite, ignoring incoming offer", p.ID)
			return nil
		}
		log.Printf("CALL: glare with %s — polite, yielding to incoming offer", p.ID)
		if p.Conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
			if err := p.Conn.SetLocalDescription(rollback); err != nil {
				log.Printf("CALL: rollback local offer for %s: %v", p.ID, err)
			}
		}
		p.MakingOffer = false
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := p.Conn.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", p.ID, err)
	}
	n.buf.Flush(p.ID, p.Conn)

	answer, err := p.Conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", p.ID, err)
	}
	if err := p.Conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", p.ID, err)
	}

	reply := proto.SignalMsg{
		Type: proto.TypeAnswer,
		ID:   uuid.NewString(),
		SDP:  answer.SDP,
		From: n.selfID,
		To:   p.ID,
	}
	if err := n.send(reply); err != nil {
		return fmt.Errorf("send answer to %s: %w", p.ID, err)
	}
	log.Printf("CALL: answered offer from %s", p.ID)

	// A yielded offer may have been carrying a new local track; re-offer
	// now that the colliding exchange is settled.
	if p.PendingOffer {
		return n.Offer(p, false)
	}
	return nil
}

// HandleAnswer applies an incoming answer; the peer's phase returns to
// stable. An answer arriving without a matching local offer is stale (e.g.
// the reply to an offer the polite side already rolled back) and is dropped.
func (n *negotiator) HandleAnswer(p *Peer, msg proto.SignalMsg) error {
	if p.Conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("CALL: dropping stale answer from %s (state %s)", p.ID, p.Conn.SignalingState())
		return nil
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := p.Conn.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", p.ID, err)
	}
	p.MakingOffer = false
	n.buf.Flush(p.ID, p.Conn)
	log.Printf("CALL: applied answer from %s", p.ID)

	if p.PendingOffer {
		return n.Offer(p, false)
	}
	return nil
}

// HandleCandidate applies a trickled candidate, or buffers it while the
// connection has no remote description yet. Candidates are never dropped:
// they are applied, buffered, or discarded only with the whole peer.
func (n *negotiator) HandleCandidate(p *Peer, msg proto.SignalMsg) {
	if p.Conn.RemoteDescription() == nil {
		n.buf.Add(p.ID, *msg.Candidate)
		return
	}
	if err := p.Conn.AddICECandidate(*msg.Candidate); err != nil {
		log.Printf("CALL: apply candidate from %s: %v", p.ID, err)
	}
}
