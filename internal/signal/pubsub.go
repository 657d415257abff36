package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// PubSub is a Transport backed by an embedded libp2p node running GossipSub.
// Each room is one topic. GossipSub has no membership primitive, so presence
// is synthesized: members announce on join, heartbeat with pings, say goodbye
// on leave, and are expired after a TTL of silence.
type PubSub struct {
	host host.Host
	ps   *pubsub.PubSub
	cfg  config.Signaling
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run. A persisted key keeps the peer
// id stable across restarts, which the negotiation tie-break depends on.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// NewPubSub starts the libp2p host and GossipSub router.
func NewPubSub(ctx context.Context, cfg config.Signaling, keyFile string) (*PubSub, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("SIGNAL: generated new identity key: %s", keyFile)
	}

	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("listen multiaddr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &PubSub{host: h, ps: ps, cfg: cfg}, nil
}

// ID returns the libp2p host id, used as the local peer id.
func (p *PubSub) ID() string { return p.host.ID().String() }

// Close shuts the libp2p host down.
func (p *PubSub) Close() error { return p.host.Close() }

// Subscribe implements Transport.
func (p *PubSub) Subscribe(ctx context.Context, roomID string, self Identity, ev Events) (Subscription, error) {
	topic, err := p.ps.Join(proto.RoomTopic(roomID))
	if err != nil {
		return nil, fmt.Errorf("join room topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("subscribe room topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &pubsubSub{
		parent: p,
		room:   roomID,
		self:   self,
		ev:     ev,
		topic:  topic,
		sub:    sub,
		ctx:    subCtx,
		cancel: cancel,
		roster: make(map[string]rosterEntry),
		done:   make(chan struct{}),
	}
	go s.run()
	log.Printf("SIGNAL: subscribed to room %q as %s", roomID, self.ID)
	return s, nil
}

type rosterEntry struct {
	name     string
	lastSeen time.Time
}

type pubsubSub struct {
	parent *PubSub
	room   string
	self   Identity
	ev     Events

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// roster is touched only by run().
	roster map[string]rosterEntry

	closeOnce sync.Once
}

func (s *pubsubSub) Publish(ctx context.Context, msg proto.SignalMsg) error {
	env := proto.Envelope{Kind: proto.KindSignal, Signal: &msg}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.topic.Publish(ctx, b)
}

func (s *pubsubSub) Close() error {
	s.closeOnce.Do(func() {
		// Best-effort goodbye so the room does not wait a full TTL.
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		s.publishPresence(ctx, proto.PresenceLeave)
		cancel()

		s.cancel()
		<-s.done
		s.sub.Cancel()
		if err := s.topic.Close(); err != nil {
			log.Printf("SIGNAL: close room topic: %v", err)
		}
		log.Printf("SIGNAL: left room %q", s.room)
	})
	return nil
}

func (s *pubsubSub) publishPresence(ctx context.Context, typ string) {
	env := proto.Envelope{Kind: proto.KindPresence, Presence: &proto.PresenceMsg{
		Type:   typ,
		PeerID: s.self.ID,
		Name:   s.self.Name,
		TS:     proto.NowMillis(),
	}}
	b, _ := json.Marshal(env)
	if err := s.topic.Publish(ctx, b); err != nil {
		log.Printf("SIGNAL: publish presence %q: %v", typ, err)
	}
}

// run owns the roster. It merges the pubsub receive stream with the
// heartbeat, TTL-prune, and initial-sync timers so all presence state is
// confined to one goroutine.
func (s *pubsubSub) run() {
	defer close(s.done)

	heartbeat := time.Duration(s.parent.cfg.HeartbeatSec) * time.Second
	ttl := time.Duration(s.parent.cfg.TTLSec) * time.Second

	s.publishPresence(s.ctx, proto.PresenceJoin)

	msgs := make(chan *pubsub.Message)
	readErr := make(chan error, 1)
	go s.readLoop(msgs, readErr)

	hbTick := time.NewTicker(heartbeat)
	defer hbTick.Stop()
	pruneTick := time.NewTicker(heartbeat)
	defer pruneTick.Stop()

	// One settle window after joining, then report the roster gathered so
	// far as the full membership sync.
	settle := time.NewTimer(heartbeat)
	defer settle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case m := <-msgs:
			s.handleRaw(m.Data)

		case err := <-readErr:
			s.ev.down(err)
			if !s.resubscribe() {
				return
			}
			s.ev.up()
			go s.readLoop(msgs, readErr)

		case <-settle.C:
			s.ev.presenceSync(s.snapshot())

		case <-hbTick.C:
			s.publishPresence(s.ctx, proto.PresencePing)

		case now := <-pruneTick.C:
			for id, e := range s.roster {
				if now.Sub(e.lastSeen) > ttl {
					delete(s.roster, id)
					s.ev.presenceLeave(id)
				}
			}
		}
	}
}

func (s *pubsubSub) readLoop(msgs chan<- *pubsub.Message, readErr chan<- error) {
	for {
		m, err := s.sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				readErr <- err
			}
			return
		}
		select {
		case msgs <- m:
		case <-s.ctx.Done():
			return
		}
	}
}

// resubscribe re-joins the room topic with exponential backoff. Returns false
// only when the subscription context ends first.
func (s *pubsubSub) resubscribe() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.parent.cfg.ResubscribeInitialMS) * time.Millisecond
	bo.MaxInterval = time.Duration(s.parent.cfg.ResubscribeMaxMS) * time.Millisecond
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		s.sub.Cancel()
		sub, err := s.topic.Subscribe()
		if err != nil {
			log.Printf("SIGNAL: resubscribe failed, retrying: %v", err)
			return err
		}
		s.sub = sub
		return nil
	}, backoff.WithContext(bo, s.ctx))
	if err != nil {
		return false
	}
	log.Printf("SIGNAL: resubscribed to room %q", s.room)
	s.publishPresence(s.ctx, proto.PresenceJoin)
	return true
}

func (s *pubsubSub) handleRaw(data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Kind {
	case proto.KindPresence:
		pm := env.Presence
		if pm == nil || pm.PeerID == "" || pm.PeerID == s.self.ID {
			return
		}
		s.handlePresence(pm)

	case proto.KindSignal:
		sm := env.Signal
		if sm == nil || sm.From == s.self.ID {
			return
		}
		// Broadcast topic: everything not addressed to us is noise.
		if sm.To != s.self.ID {
			return
		}
		if err := sm.Validate(); err != nil {
			log.Printf("SIGNAL: dropping malformed message: %v", err)
			return
		}
		s.ev.signal(*sm)
	}
}

func (s *pubsubSub) handlePresence(pm *proto.PresenceMsg) {
	switch pm.Type {
	case proto.PresenceJoin, proto.PresencePing:
		_, known := s.roster[pm.PeerID]
		s.roster[pm.PeerID] = rosterEntry{name: pm.Name, lastSeen: time.Now()}
		if !known {
			s.ev.presenceJoin(pm.PeerID, proto.PeerMeta{Name: pm.Name})
			if pm.Type == proto.PresenceJoin {
				// Answer a newcomer's join immediately so it does not wait
				// a full heartbeat interval to learn we exist.
				s.publishPresence(s.ctx, proto.PresencePing)
			}
		}
	case proto.PresenceLeave:
		if _, known := s.roster[pm.PeerID]; known {
			delete(s.roster, pm.PeerID)
			s.ev.presenceLeave(pm.PeerID)
		}
	}
}

func (s *pubsubSub) snapshot() map[string]proto.PeerMeta {
	out := make(map[string]proto.PeerMeta, len(s.roster))
	for id, e := range s.roster {
		out[id] = proto.PeerMeta{Name: e.name}
	}
	return out
}
