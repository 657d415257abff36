// Package signal abstracts the external publish/subscribe relay that peers
// discover each other through. Two implementations exist: an embedded libp2p
// GossipSub node and a client for an external WebSocket relay server. The
// call coordinator only ever sees the Transport interface.
package signal

import (
	"context"

	"github.com/huddlekit/huddle/internal/proto"
)

// Identity is the local peer's stable id and display name. The id must be
// stable and comparable: both sides of a peer pair derive their negotiation
// roles from a lexicographic comparison of the two ids.
type Identity struct {
	ID   string
	Name string
}

// Events carries the callbacks a subscription fires. Callbacks for one
// subscription are invoked from a single goroutine, in receive order.
// A nil callback is skipped.
type Events struct {
	// PresenceSync delivers the full current member map.
	PresenceSync func(peers map[string]proto.PeerMeta)
	// PresenceJoin delivers one newly present peer.
	PresenceJoin func(id string, meta proto.PeerMeta)
	// PresenceLeave delivers one departed peer.
	PresenceLeave func(id string)
	// Signal delivers a message addressed to the local peer. Messages
	// addressed elsewhere are dropped before this fires.
	Signal func(msg proto.SignalMsg)
	// Down fires when the transport loses the relay; the subscription keeps
	// retrying in the background. Existing peer connections are unaffected —
	// they only need the relay for new negotiations.
	Down func(err error)
	// Up fires once resubscription succeeds.
	Up func()
}

// Subscription is one active room membership.
type Subscription interface {
	// Publish broadcasts a signal message on the room topic. The message is
	// addressed; every receiver filters on To.
	Publish(ctx context.Context, msg proto.SignalMsg) error
	// Close announces departure and tears the subscription down. Idempotent.
	Close() error
}

// Transport joins room-scoped topics on some relay.
type Transport interface {
	// Subscribe joins the room, registers presence under self, and starts
	// delivering events. The context bounds the whole subscription;
	// cancelling it is equivalent to Close.
	Subscribe(ctx context.Context, roomID string, self Identity, ev Events) (Subscription, error)
}

func (ev *Events) presenceSync(peers map[string]proto.PeerMeta) {
	if ev.PresenceSync != nil {
		ev.PresenceSync(peers)
	}
}

func (ev *Events) presenceJoin(id string, meta proto.PeerMeta) {
	if ev.PresenceJoin != nil {
		ev.PresenceJoin(id, meta)
	}
}

func (ev *Events) presenceLeave(id string) {
	if ev.PresenceLeave != nil {
		ev.PresenceLeave(id)
	}
}

func (ev *Events) signal(msg proto.SignalMsg) {
	if ev.Signal != nil {
		ev.Signal(msg)
	}
}

func (ev *Events) down(err error) {
	if ev.Down != nil {
		ev.Down(err)
	}
}

func (ev *Events) up() {
	if ev.Up != nil {
		ev.Up()
	}
}
