package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds trickled ICE candidates that arrived before the
// peer's connection had a remote description. Queues preserve arrival order
// and are created lazily. Not safe for concurrent use — owned by the room
// event loop.
type candidateBuffer struct {
	pending map[string][]webrtc.ICECandidateInit
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{pending: make(map[string][]webrtc.ICECandidateInit)}
}

// Add appends a candidate to the peer's queue.
func (b *candidateBuffer) Add(peerID string, c webrtc.ICECandidateInit) {
	b.pending[peerID] = append(b.pending[peerID], c)
}

// Len reports how many candidates are queued for a peer.
func (b *candidateBuffer) Len(peerID string) int {
	return len(b.pending[peerID])
}

// Flush applies every buffered candidate in arrival order, then discards the
// queue. A candidate that fails to apply is logged and skipped: a missing
// candidate reduces connectivity options but does not abort the call.
func (b *candidateBuffer) Flush(peerID string, conn RTCConn) {
	queue := b.pending[peerID]
	if len(queue) == 0 {
		return
	}
	delete(b.pending, peerID)
	for _, c := range queue {
		if err := conn.AddICECandidate(c); err != nil {
			log.Printf("CALL: apply buffered candidate for %s: %v", peerID, err)
		}
	}
	log.Printf("CALL: flushed %d buffered candidates for %s", len(queue), peerID)
}

// Drop discards the peer's queue without applying it.
func (b *candidateBuffer) Drop(peerID string) {
	delete(b.pending, peerID)
}

// Clear discards every queue.
func (b *candidateBuffer) Clear() {
	b.pending = make(map[string][]webrtc.ICECandidateInit)
}
