package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/proto"
)

// eventKind tags the single inbound event union the room loop consumes.
// Everything that mutates room state — presence deltas, signaling messages,
// connection state changes, restart requests, local commands — arrives here
// and is processed serially.
type eventKind int

const (
	evPresenceSync eventKind = iota
	evPresenceJoin
	evPresenceLeave
	evSignal
	evConnState
	evRemoteTrack
	evRestart
	evTransportDown
	evTransportUp
	evCommand
)

type event struct {
	kind eventKind

	peerID string
	meta   proto.PeerMeta
	roster map[string]proto.PeerMeta
	msg    proto.SignalMsg
	state  webrtc.PeerConnectionState
	track  webrtc.RTPCodecType
	err    error

	// cmd runs a local control operation inside the loop.
	cmd func()
}
