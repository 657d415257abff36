// Package proto defines the wire-level signaling schema shared by every
// transport. Messages are relayed verbatim over the room topic; they are
// never persisted.
package proto

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// Room topic prefix. A room "room-9" maps to "huddle.room.room-9.v1".
	topicPrefix = "huddle.room."
	topicSuffix = ".v1"
)

// RoomTopic returns the pub/sub topic for a room ID.
func RoomTopic(roomID string) string {
	return topicPrefix + roomID + topicSuffix
}

// Signal message types.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "ice-candidate"
)

// Presence message types (pubsub transport only — relay transports carry
// presence natively).
const (
	PresenceJoin  = "join"
	PresencePing  = "ping"
	PresenceLeave = "leave"
)

// SignalMsg is the tagged union relayed between peers. Every message is
// broadcast on the room topic and addressed To exactly one peer; receivers
// drop anything not addressed to them.
type SignalMsg struct {
	Type      string                   `json:"type"` // offer|answer|ice-candidate
	ID        string                   `json:"id,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	From      string                   `json:"from"`
	FromName  string                   `json:"fromName,omitempty"`
	To        string                   `json:"to"`
}

// Validate checks the fields required for routing and the per-type payload.
func (m *SignalMsg) Validate() error {
	if m.From == "" || m.To == "" {
		return fmt.Errorf("signal %q missing from/to", m.Type)
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("signal %q missing sdp", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("signal %q missing candidate", m.Type)
		}
	default:
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
	return nil
}

// PeerMeta is the presence metadata carried for each room member.
type PeerMeta struct {
	Name string `json:"name"`
}

// PresenceMsg is the membership announcement used by the pubsub transport.
// GossipSub has no native presence primitive, so members announce themselves
// on join, heartbeat with pings, and say goodbye on leave; receivers expire
// silent members after a TTL.
type PresenceMsg struct {
	Type   string `json:"type"` // join|ping|leave
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
	TS     int64  `json:"ts"`
}

// Envelope is the single frame type published on a pubsub room topic.
// Exactly one of Presence or Signal is set.
type Envelope struct {
	Kind     string       `json:"kind"` // "presence" | "signal"
	Presence *PresenceMsg `json:"presence,omitempty"`
	Signal   *SignalMsg   `json:"signal,omitempty"`
}

const (
	KindPresence = "presence"
	KindSignal   = "signal"
)

func NowMillis() int64 { return time.Now().UnixMilli() }
