package call

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// monitor watches per-peer transport state and decides when an ICE restart
// is due. "failed" restarts immediately; "disconnected" is often a momentary
// blip, so a grace window debounces it — only a connection still down at the
// end of the window restarts. Timer callbacks fire on their own goroutines;
// restart must be safe to call from any goroutine (the coordinator's enqueue
// is).
type monitor struct {
	grace   time.Duration
	restart func(peerID string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newMonitor(grace time.Duration, restart func(peerID string)) *monitor {
	return &monitor{
		grace:   grace,
		restart: restart,
		timers:  make(map[string]*time.Timer),
	}
}

// Observe feeds one transport state transition for a peer.
func (m *monitor) Observe(peerID string, st webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	switch st {
	case webrtc.PeerConnectionStateFailed:
		m.cancelLocked(peerID)
		log.Printf("CALL: connection to %s failed — restarting ICE", peerID)
		go m.restart(peerID)

	case webrtc.PeerConnectionStateDisconnected:
		if _, armed := m.timers[peerID]; armed {
			return
		}
		log.Printf("CALL: connection to %s disconnected — grace window %s", peerID, m.grace)
		m.timers[peerID] = time.AfterFunc(m.grace, func() {
			if !m.disarm(peerID) {
				return
			}
			log.Printf("CALL: %s still disconnected after grace window — restarting ICE", peerID)
			m.restart(peerID)
		})

	case webrtc.PeerConnectionStateConnected:
		m.cancelLocked(peerID)

	case webrtc.PeerConnectionStateClosed:
		m.cancelLocked(peerID)
	}
}

// disarm removes the peer's timer entry; reports whether it was still armed.
// A timer that lost the race against Stop or a "connected" transition must
// not restart.
func (m *monitor) disarm(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	if _, armed := m.timers[peerID]; !armed {
		return false
	}
	delete(m.timers, peerID)
	return true
}

func (m *monitor) cancelLocked(peerID string) {
	if t, ok := m.timers[peerID]; ok {
		t.Stop()
		delete(m.timers, peerID)
	}
}

// Forget cancels any pending timer for a removed peer.
func (m *monitor) Forget(peerID string) {
	m.mu.Lock()
	m.cancelLocked(peerID)
	m.mu.Unlock()
}

// Stop cancels every pending timer. No restart fires after Stop returns.
func (m *monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// Pending reports whether a grace-window timer is armed for the peer.
func (m *monitor) Pending(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[peerID]
	return ok
}
