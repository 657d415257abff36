// Package call is the multi-peer call coordinator: it discovers room
// participants over a signaling relay, negotiates a mesh of WebRTC
// connections, resolves offer glare with a deterministic polite/impolite
// tie-break, buffers early ICE candidates, and restarts failed transports in
// place. One Coordinator serves one room at a time; all room state lives on
// a single event loop.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/signal"
	"github.com/huddlekit/huddle/internal/util"
)

var (
	ErrAlreadyJoined = errors.New("already in a room")
	ErrNotJoined     = errors.New("not in a room")
)

// JoinOptions controls what joinRoom acquires and how strictly.
type JoinOptions struct {
	Video bool
	Audio bool

	// RequireMedia makes a capture failure abort the join. When false the
	// join proceeds media-less (receive-only) and the classified error is
	// reported on MediaErrors instead.
	RequireMedia bool
}

// Coordinator composes the transport, media controller, peer registry,
// negotiation engine, candidate buffer, and connection monitor into the
// joinRoom/leaveRoom/toggleAudio/toggleVideo surface.
type Coordinator struct {
	cfg       config.Config
	transport signal.Transport
	device    media.CaptureDevice
	self      signal.Identity

	// factory builds one connection per peer. Tests swap in a fake before
	// JoinRoom.
	factory ConnFactory

	reg       *registry
	mediaErrs chan *media.CaptureError

	// lifecycle serializes JoinRoom and LeaveRoom end to end. LeaveRoom
	// keeps tearing loop state down after releasing mu; without this a
	// racing join could rebuild that state mid-teardown.
	lifecycle sync.Mutex

	mu       sync.Mutex
	joined   bool
	roomID   string
	sub      signal.Subscription
	loopCtx  context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	events   chan event
	mediaCtl *media.Controller

	// enq delivers one event to the current join's loop; it holds the
	// join's channel and context so a stale callback from a previous join
	// can never reach a newer loop.
	enq func(event)

	// Loop-confined; rebuilt on every join.
	neg         *negotiator
	buf         *candidateBuffer
	mon         *monitor
	signalingUp bool
}

// New wires a coordinator. The capture device's codecs are registered on the
// shared WebRTC API so connections negotiate what the pipeline encodes.
func New(cfg config.Config, tr signal.Transport, dev media.CaptureDevice, self signal.Identity) (*Coordinator, error) {
	factory, err := NewPionFactory(cfg, dev.Populate)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:       cfg,
		transport: tr,
		device:    dev,
		self:      self,
		factory:   factory,
		reg:       newRegistry(),
		mediaErrs: make(chan *media.CaptureError, 4),
	}, nil
}

// JoinRoom acquires local media, subscribes to the room topic, and starts
// the event loop. Media acquisition failure is fatal only with
// JoinOptions.RequireMedia; transport subscribe failure is always fatal.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string, opts JoinOptions) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined {
		return ErrAlreadyJoined
	}

	// Media first: every connection is created with all current local
	// tracks already attached, so capture must settle before any offer can
	// arrive.
	ctl := media.NewController(c.device)
	if err := ctl.Acquire(opts.Video, opts.Audio); err != nil {
		ce := media.Classify(err)
		if opts.RequireMedia {
			ctl.Close()
			return ce
		}
		log.Printf("CALL [%s]: joining without local media: %v", roomID, ce)
		select {
		case c.mediaErrs <- ce:
		default:
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	events := make(chan event, 64)
	enq := func(ev event) {
		select {
		case events <- ev:
		case <-loopCtx.Done():
		}
	}
	c.mediaCtl = ctl
	c.loopCtx = loopCtx
	c.cancel = cancel
	c.events = events
	c.enq = enq
	c.loopDone = make(chan struct{})
	c.buf = newCandidateBuffer()
	c.neg = &negotiator{
		selfID:   c.self.ID,
		selfName: c.self.Name,
		send:     c.sendSignal,
		buf:      c.buf,
	}
	c.mon = newMonitor(c.cfg.DisconnectGrace(), func(peerID string) {
		enq(event{kind: evRestart, peerID: peerID})
	})
	c.signalingUp = true

	sub, err := c.transport.Subscribe(loopCtx, roomID, c.self, signal.Events{
		PresenceSync: func(peers map[string]proto.PeerMeta) {
			enq(event{kind: evPresenceSync, roster: peers})
		},
		PresenceJoin: func(id string, meta proto.PeerMeta) {
			enq(event{kind: evPresenceJoin, peerID: id, meta: meta})
		},
		PresenceLeave: func(id string) {
			enq(event{kind: evPresenceLeave, peerID: id})
		},
		Signal: func(msg proto.SignalMsg) {
			enq(event{kind: evSignal, msg: msg})
		},
		Down: func(err error) {
			enq(event{kind: evTransportDown, err: err})
		},
		Up: func() {
			enq(event{kind: evTransportUp})
		},
	})
	if err != nil {
		cancel()
		ctl.Close()
		c.mon.Stop()
		return fmt.Errorf("subscribe room %q: %w", roomID, err)
	}

	c.sub = sub
	c.roomID = roomID
	c.joined = true

	log.Printf("CALL [%s]: joined as %s (%s)", roomID, c.self.Name, c.self.ID)
	// Publish the initial (empty) room view before the loop starts touching
	// registry state; early events just sit in the channel until then.
	c.publishSnapshot()
	go c.run(loopCtx)
	return nil
}

// LeaveRoom tears the room down: unsubscribes, closes every connection,
// stops every capture track, and cancels pending timers. Idempotent, and
// safe even when JoinRoom never completed.
func (c *Coordinator) LeaveRoom() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	roomID := c.roomID
	sub := c.sub
	cancel := c.cancel
	loopDone := c.loopDone
	ctl := c.mediaCtl
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	cancel()
	<-loopDone

	// The loop is gone; its state is safe to touch now.
	c.mon.Stop()
	c.reg.RemoveAll()
	c.buf.Clear()
	ctl.Close()

	log.Printf("CALL [%s]: left room", roomID)
	c.publishSnapshot()
}

// ToggleAudio mutes or unmutes the local audio track. The track keeps
// running either way, so no renegotiation happens.
func (c *Coordinator) ToggleAudio(muted bool) error {
	return c.runCommand(func() error {
		if !c.mediaCtl.SetAudioEnabled(!muted) {
			return errors.New("no local audio track")
		}
		c.publishSnapshot()
		return nil
	})
}

// ToggleVideo turns the local video off or on. Turning it off (or back on
// when a track exists) flips the enabled flag in place. Turning it on for
// the first time captures a new track, publishes it on every existing
// connection, and renegotiates each — the one case a toggle renegotiates.
func (c *Coordinator) ToggleVideo(off bool) error {
	return c.runCommand(func() error {
		if off {
			if !c.mediaCtl.SetVideoEnabled(false) {
				return errors.New("no local video track")
			}
			c.publishSnapshot()
			return nil
		}
		if c.mediaCtl.SetVideoEnabled(true) {
			c.publishSnapshot()
			return nil
		}
		track, err := c.mediaCtl.AddVideo()
		if err != nil {
			return err
		}
		for _, p := range c.reg.All() {
			if _, err := p.Conn.AddTrack(track.Local()); err != nil {
				log.Printf("CALL [%s]: add video track for %s: %v", c.roomID, p.ID, err)
				continue
			}
			if err := c.neg.Offer(p, false); err != nil {
				log.Printf("CALL [%s]: renegotiate %s: %v", c.roomID, p.ID, err)
			}
		}
		c.publishSnapshot()
		return nil
	})
}

// Snapshot returns the last published room view.
func (c *Coordinator) Snapshot() Snapshot { return c.reg.Snapshot() }

// SubscribeSnapshots returns a channel delivering a room view on every
// registry mutation. Slow consumers miss intermediate updates.
func (c *Coordinator) SubscribeSnapshots() chan Snapshot { return c.reg.Subscribe() }

// UnsubscribeSnapshots removes and closes a snapshot channel.
func (c *Coordinator) UnsubscribeSnapshots(ch chan Snapshot) { c.reg.Unsubscribe(ch) }

// MediaErrors delivers classified capture errors on a channel separate from
// call-level errors, so callers can tell "can't get camera" from "can't
// reach peer".
func (c *Coordinator) MediaErrors() <-chan *media.CaptureError { return c.mediaErrs }

// ── event loop ───────────────────────────────────────────────────────────

// runCommand executes fn inside the event loop and waits for its result.
func (c *Coordinator) runCommand(fn func() error) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	events := c.events
	done := c.loopCtx.Done()
	c.mu.Unlock()

	reply := make(chan error, 1)
	ev := event{kind: evCommand, cmd: func() { reply <- fn() }}
	select {
	case events <- ev:
	case <-done:
		return ErrNotJoined
	}
	select {
	case err := <-reply:
		return err
	case <-done:
		return ErrNotJoined
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evPresenceSync:
		c.handlePresenceSync(ev.roster)
	case evPresenceJoin:
		c.handlePresenceJoin(ev.peerID, ev.meta)
	case evPresenceLeave:
		c.handlePresenceLeave(ev.peerID)
	case evSignal:
		c.handleSignal(ev.msg)
	case evConnState:
		c.handleConnState(ev.peerID, ev.state)
	case evRemoteTrack:
		c.handleRemoteTrack(ev.peerID, ev.track)
	case evRestart:
		c.handleRestart(ev.peerID)
	case evTransportDown:
		log.Printf("CALL [%s]: signaling down: %v (existing connections unaffected)", c.roomID, ev.err)
		c.signalingUp = false
		c.publishSnapshot()
	case evTransportUp:
		log.Printf("CALL [%s]: signaling restored", c.roomID)
		c.signalingUp = true
		c.publishSnapshot()
	case evCommand:
		ev.cmd()
	}
}

// handlePresenceSync reconciles the registry against the full member map:
// unknown members are created, known members missing from the map are torn
// down. Redelivery of an already-known id is a no-op.
func (c *Coordinator) handlePresenceSync(roster map[string]proto.PeerMeta) {
	for id, meta := range roster {
		if id == c.self.ID {
			continue
		}
		if _, err := c.ensurePeer(id, meta.Name); err != nil {
			log.Printf("CALL [%s]: create peer %s: %v", c.roomID, id, err)
		}
	}
	for _, p := range c.reg.All() {
		if _, present := roster[p.ID]; !present {
			c.removePeer(p.ID)
		}
	}
	c.publishSnapshot()
}

func (c *Coordinator) handlePresenceJoin(id string, meta proto.PeerMeta) {
	if id == c.self.ID {
		return
	}
	if _, err := c.ensurePeer(id, meta.Name); err != nil {
		log.Printf("CALL [%s]: create peer %s: %v", c.roomID, id, err)
		return
	}
	c.publishSnapshot()
}

func (c *Coordinator) handlePresenceLeave(id string) {
	c.removePeer(id)
	c.publishSnapshot()
}

// ensurePeer returns the existing entry or creates the peer and its
// connection with all current local tracks attached. The polite side (the
// lexicographically smaller id) opens with an offer; the impolite side
// pre-creates the connection and waits for one.
func (c *Coordinator) ensurePeer(id, name string) (*Peer, error) {
	if p, ok := c.reg.Get(id); ok {
		if name != "" && p.Name == "" {
			p.Name = name
		}
		return p, nil
	}

	conn, err := c.factory()
	if err != nil {
		return nil, err
	}
	p := &Peer{
		ID:        id,
		Name:      name,
		Conn:      conn,
		Polite:    PoliteTowards(c.self.ID, id),
		ConnState: webrtc.PeerConnectionStateNew,
	}

	for _, t := range c.mediaCtl.Tracks() {
		if _, err := conn.AddTrack(t.Local()); err != nil {
			log.Printf("CALL [%s]: attach local track to %s: %v", c.roomID, id, err)
		}
	}

	conn.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		err := c.sendSignal(proto.SignalMsg{
			Type:      proto.TypeCandidate,
			ID:        uuid.NewString(),
			Candidate: &init,
			From:      c.self.ID,
			To:        id,
		})
		if err != nil {
			log.Printf("CALL [%s]: send candidate to %s: %v", c.roomID, id, err)
		}
	})
	enq := c.enq
	conn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		enq(event{kind: evConnState, peerID: id, state: st})
	})
	conn.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		enq(event{kind: evRemoteTrack, peerID: id, track: tr.Kind()})
	})

	c.reg.Put(p)
	log.Printf("CALL [%s]: peer %s discovered (polite=%v)", c.roomID, id, p.Polite)

	if p.Polite {
		if err := c.neg.Offer(p, false); err != nil {
			log.Printf("CALL [%s]: offer to %s: %v", c.roomID, id, err)
		}
	}
	return p, nil
}

// removePeer closes and forgets one peer. Idempotent; sibling peers are
// untouched.
func (c *Coordinator) removePeer(id string) {
	c.mon.Forget(id)
	c.buf.Drop(id)
	c.reg.Remove(id)
}

func (c *Coordinator) handleSignal(msg proto.SignalMsg) {
	if msg.To != c.self.ID {
		return
	}
	switch msg.Type {
	case proto.TypeOffer:
		// An offer is also first discovery when presence has not delivered
		// this peer yet.
		p, err := c.ensurePeer(msg.From, msg.FromName)
		if err != nil {
			log.Printf("CALL [%s]: create peer %s for offer: %v", c.roomID, msg.From, err)
			return
		}
		if err := c.neg.HandleOffer(p, msg); err != nil {
			// Leave the peer in its current phase; the next renegotiation
			// trigger may recover it.
			log.Printf("CALL [%s]: %v", c.roomID, err)
		}
		c.publishSnapshot()

	case proto.TypeAnswer:
		p, ok := c.reg.Get(msg.From)
		if !ok {
			log.Printf("CALL [%s]: answer from unknown peer %s", c.roomID, msg.From)
			return
		}
		if err := c.neg.HandleAnswer(p, msg); err != nil {
			log.Printf("CALL [%s]: %v", c.roomID, err)
		}

	case proto.TypeCandidate:
		p, ok := c.reg.Get(msg.From)
		if !ok {
			// Candidates may outrun discovery; never drop them.
			c.buf.Add(msg.From, *msg.Candidate)
			return
		}
		c.neg.HandleCandidate(p, msg)
	}
}

func (c *Coordinator) handleConnState(id string, st webrtc.PeerConnectionState) {
	p, ok := c.reg.Get(id)
	if !ok {
		return
	}
	p.ConnState = st
	if st == webrtc.PeerConnectionStateConnected {
		p.Restarts = 0
		p.Failed = false
	}
	c.mon.Observe(id, st)
	c.publishSnapshot()
}

func (c *Coordinator) handleRemoteTrack(id string, kind webrtc.RTPCodecType) {
	p, ok := c.reg.Get(id)
	if !ok {
		return
	}
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		p.RemoteAudio = true
	case webrtc.RTPCodecTypeVideo:
		p.RemoteVideo = true
	}
	c.publishSnapshot()
}

// handleRestart renegotiates in place with fresh ICE credentials. The
// connection object and its tracks survive; only the transport path is
// rebuilt.
func (c *Coordinator) handleRestart(id string) {
	p, ok := c.reg.Get(id)
	if !ok {
		return
	}
	p.Restarts++
	if p.Restarts > c.cfg.Call.RestartLimit {
		p.Failed = true
	}
	if err := c.neg.Offer(p, true); err != nil {
		log.Printf("CALL [%s]: ICE restart for %s: %v", c.roomID, id, err)
	}
	c.publishSnapshot()
}

func (c *Coordinator) sendSignal(msg proto.SignalMsg) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return ErrNotJoined
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	return sub.Publish(ctx, msg)
}

func (c *Coordinator) publishSnapshot() {
	local := LocalInfo{ID: c.self.ID, DisplayName: c.self.Name}
	if c.mediaCtl != nil {
		local.Media = c.mediaCtl.State()
	}
	c.reg.Publish(local, c.signalingUp)
}
