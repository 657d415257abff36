package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/util"
)

// Frame types spoken with the relay server. The relay tracks room membership
// itself, so unlike the pubsub transport presence arrives ready-made.
const (
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"
	frameSignal        = "signal"
	framePresenceSync  = "presence-sync"
	framePresenceJoin  = "presence-join"
	framePresenceLeave = "presence-leave"
)

// wsFrame is the single frame shape exchanged with the relay.
type wsFrame struct {
	Type   string                    `json:"type"`
	Room   string                    `json:"room,omitempty"`
	PeerID string                    `json:"peerId,omitempty"`
	Name   string                    `json:"name,omitempty"`
	Peers  map[string]proto.PeerMeta `json:"peers,omitempty"`
	Msg    *proto.SignalMsg          `json:"msg,omitempty"`
}

// Relay is a Transport that speaks to an external WebSocket relay server.
type Relay struct {
	url string
	cfg config.Signaling
}

// NewRelay builds a relay transport for the configured server URL.
func NewRelay(cfg config.Signaling) *Relay {
	return &Relay{url: cfg.RelayURL, cfg: cfg}
}

// Subscribe implements Transport.
func (r *Relay) Subscribe(ctx context.Context, roomID string, self Identity, ev Events) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	s := &relaySub{
		parent: r,
		room:   roomID,
		self:   self,
		ev:     ev,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, err := s.dial()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	s.setConn(conn)
	go s.run()
	log.Printf("SIGNAL: subscribed to room %q via relay %s", roomID, r.url)
	return s, nil
}

type relaySub struct {
	parent *Relay
	room   string
	self   Identity
	ev     Events

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// connMu guards conn for writers; gorilla allows one concurrent writer.
	connMu sync.Mutex
	conn   *websocket.Conn

	closeOnce sync.Once
}

// dial connects and registers in the room. The relay replies with a
// presence-sync frame, delivered through the normal read path.
func (s *relaySub) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, util.DefaultConnectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.parent.url, nil)
	if err != nil {
		return nil, err
	}
	sub := wsFrame{Type: frameSubscribe, Room: s.room, PeerID: s.self.ID, Name: s.self.Name}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *relaySub) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *relaySub) writeFrame(f wsFrame) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("relay connection down")
	}
	return s.conn.WriteJSON(f)
}

func (s *relaySub) Publish(_ context.Context, msg proto.SignalMsg) error {
	return s.writeFrame(wsFrame{Type: frameSignal, Room: s.room, Msg: &msg})
}

func (s *relaySub) Close() error {
	s.closeOnce.Do(func() {
		_ = s.writeFrame(wsFrame{Type: frameUnsubscribe, Room: s.room, PeerID: s.self.ID})
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
		<-s.done
		log.Printf("SIGNAL: left room %q (relay)", s.room)
	})
	return nil
}

func (s *relaySub) run() {
	defer close(s.done)
	for {
		err := s.readLoop()
		if s.ctx.Err() != nil {
			return
		}
		s.ev.down(err)
		if !s.reconnect() {
			return
		}
		s.ev.up()
	}
}

func (s *relaySub) readLoop() error {
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("relay connection down")
		}
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		s.handleFrame(f)
	}
}

func (s *relaySub) handleFrame(f wsFrame) {
	switch f.Type {
	case framePresenceSync:
		delete(f.Peers, s.self.ID)
		s.ev.presenceSync(f.Peers)
	case framePresenceJoin:
		if f.PeerID != "" && f.PeerID != s.self.ID {
			s.ev.presenceJoin(f.PeerID, proto.PeerMeta{Name: f.Name})
		}
	case framePresenceLeave:
		if f.PeerID != "" && f.PeerID != s.self.ID {
			s.ev.presenceLeave(f.PeerID)
		}
	case frameSignal:
		if f.Msg == nil || f.Msg.From == s.self.ID || f.Msg.To != s.self.ID {
			return
		}
		if err := f.Msg.Validate(); err != nil {
			log.Printf("SIGNAL: dropping malformed relay message: %v", err)
			return
		}
		s.ev.signal(*f.Msg)
	}
}

// reconnect re-dials the relay with exponential backoff. Returns false only
// when the subscription context ends first.
func (s *relaySub) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.parent.cfg.ResubscribeInitialMS) * time.Millisecond
	bo.MaxInterval = time.Duration(s.parent.cfg.ResubscribeMaxMS) * time.Millisecond
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		conn, err := s.dial()
		if err != nil {
			log.Printf("SIGNAL: relay reconnect failed, retrying: %v", err)
			return err
		}
		s.setConn(conn)
		return nil
	}, backoff.WithContext(bo, s.ctx))
	if err != nil {
		return false
	}
	log.Printf("SIGNAL: relay reconnected for room %q", s.room)
	return true
}
