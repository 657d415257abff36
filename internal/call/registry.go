package call

import (
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/media"
)

// Peer is one remote participant. Each peer owns exactly one connection; the
// registry guarantees a peer id is never instantiated twice concurrently.
// Fields are touched only by the room event loop.
type Peer struct {
	ID   string
	Name string
	Conn RTCConn

	// Polite reports whether the local side yields on glare toward this
	// peer. Derived once from the two ids, identically on both sides.
	Polite bool

	// MakingOffer guards against concurrent duplicate offers to this peer.
	MakingOffer bool

	// PendingOffer records a renegotiation request (a new local track)
	// that arrived while an offer was already in flight. It is serviced
	// with a fresh offer as soon as the phase returns to stable.
	PendingOffer bool

	ConnState webrtc.PeerConnectionState

	// Restarts counts consecutive ICE restarts since the last successful
	// connect. Past the configured limit the peer is reported as failing;
	// restarts continue regardless.
	Restarts int
	Failed   bool

	RemoteAudio bool
	RemoteVideo bool
}

// PeerInfo is the read-only per-peer view handed to the rendering layer.
type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ConnState   string `json:"conn_state"`
	Failed      bool   `json:"failed,omitempty"`
	RemoteAudio bool   `json:"remote_audio,omitempty"`
	RemoteVideo bool   `json:"remote_video,omitempty"`
}

// LocalInfo describes the local participant.
type LocalInfo struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Media       media.State `json:"media"`
}

// Snapshot is the room view published on every registry mutation.
type Snapshot struct {
	Local       LocalInfo  `json:"local"`
	Peers       []PeerInfo `json:"peers"`
	SignalingUp bool       `json:"signaling_up"`
}

// registry owns the set of known peers and their connections. Peer maps are
// loop-confined; the published snapshot and its listeners are guarded so the
// rendering layer can read from any goroutine.
type registry struct {
	peers map[string]*Peer

	mu        sync.Mutex
	snapshot  Snapshot
	listeners []chan Snapshot
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*Peer)}
}

// Get returns a known peer.
func (r *registry) Get(id string) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Put registers a new peer. The caller must have checked Get first; the
// create path is the coordinator's ensurePeer, which makes re-discovery
// idempotent.
func (r *registry) Put(p *Peer) {
	r.peers[p.ID] = p
}

// Remove closes the peer's connection and forgets it. Idempotent.
func (r *registry) Remove(id string) {
	p, ok := r.peers[id]
	if !ok {
		return
	}
	delete(r.peers, id)
	if p.Conn != nil {
		if err := p.Conn.Close(); err != nil {
			log.Printf("CALL: close connection to %s: %v", id, err)
		}
	}
}

// All returns every known peer.
func (r *registry) All() []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *registry) Len() int { return len(r.peers) }

// RemoveAll closes and forgets every peer.
func (r *registry) RemoveAll() {
	for id := range r.peers {
		r.Remove(id)
	}
}

// Publish rebuilds the snapshot and fans it out to listeners. Slow listeners
// miss intermediate snapshots rather than blocking the room loop.
func (r *registry) Publish(local LocalInfo, signalingUp bool) {
	peers := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, PeerInfo{
			ID:          p.ID,
			DisplayName: p.Name,
			ConnState:   p.ConnState.String(),
			Failed:      p.Failed,
			RemoteAudio: p.RemoteAudio,
			RemoteVideo: p.RemoteVideo,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	snap := Snapshot{Local: local, Peers: peers, SignalingUp: signalingUp}

	r.mu.Lock()
	r.snapshot = snap
	for _, ch := range r.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	r.mu.Unlock()
}

// Snapshot returns the last published room view.
func (r *registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Subscribe returns a channel of snapshot updates.
func (r *registry) Subscribe() chan Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Snapshot, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (r *registry) Unsubscribe(ch chan Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}
