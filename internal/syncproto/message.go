package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Message types published on the per-room gossip topic.
const (
	TypeRoomState         = "RoomState"
	TypeJoinRequest       = "JoinRequest"
	TypeJoinResponse      = "JoinResponse"
	TypeParticipantJoined = "ParticipantJoined"
	TypeParticipantLeft   = "ParticipantLeft"
	TypeTransferHost      = "TransferHost"
	TypePlay              = "Play"
	TypePause             = "Pause"
	TypeSeek              = "Seek"
	TypeTrackChange       = "TrackChange"
	TypePing              = "Ping"
	TypePong              = "Pong"
	TypeHeartbeat         = "Heartbeat"

	// TypeDisplayNameChanged corrects a participant's display name after
	// join; same direction as ParticipantJoined.
	TypeDisplayNameChanged = "DisplayNameChanged"
)

// Message is the single tagged envelope for every wire variant, encoded as
// flat JSON with omitempty fields. Unknown JSON keys on decode are ignored,
// so newer senders with extra fields remain compatible.
type Message struct {
	Type string `json:"type"`

	// RoomState
	RoomCode     string        `json:"room_code,omitempty"`
	HostPeerID   peer.ID       `json:"host_peer_id,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	CurrentTrack *TrackInfo    `json:"current_track,omitempty"`
	Playback     *PlaybackInfo `json:"playback,omitempty"`

	// JoinRequest / ParticipantJoined
	DisplayName string       `json:"display_name,omitempty"`
	Participant *Participant `json:"participant,omitempty"`

	// JoinResponse
	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// ParticipantLeft
	PeerID peer.ID `json:"peer_id,omitempty"`

	// TransferHost
	NewHostPeerID peer.ID `json:"new_host_peer_id,omitempty"`

	// Play / Pause / Seek / TrackChange
	Track       *TrackInfo `json:"track,omitempty"`
	PositionMs  int64      `json:"position_ms,omitempty"`
	TimestampMs int64      `json:"timestamp_ms,omitempty"`

	// Ping
	SentAtMs int64 `json:"sent_at_ms,omitempty"`

	// Pong
	PingSentAtMs int64 `json:"ping_sent_at_ms,omitempty"`
	ReceivedAtMs int64 `json:"received_at_ms,omitempty"`

	// Heartbeat
	TrackID string `json:"track_id,omitempty"`

	// DisplayNameChanged
	NewDisplayName string `json:"new_display_name,omitempty"`
}

// ErrMalformedMessage is returned by Decode when a message is
// schema-incompatible. Callers drop such messages with a log record; the
// sender is not penalized and the error never propagates further up.
type ErrMalformedMessage struct {
	Type   string
	Reason string
}

func (e *ErrMalformedMessage) Error() string {
	return fmt.Sprintf("malformed sync message (type=%q): %s", e.Type, e.Reason)
}

// Encode marshals m to the wire format published on the gossip topic.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, &ErrMalformedMessage{Type: "", Reason: "missing type"}
	}
	return json.Marshal(m)
}

// Decode unmarshals and validates a received gossip payload, checking that
// the fields required for the variant's Type are present.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &ErrMalformedMessage{Reason: err.Error()}
	}
	if err := validate(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func validate(m Message) error {
	fail := func(reason string) error { return &ErrMalformedMessage{Type: m.Type, Reason: reason} }

	switch m.Type {
	case TypeRoomState:
		if m.RoomCode == "" {
			return fail("missing room_code")
		}
		if m.HostPeerID == "" {
			return fail("missing host_peer_id")
		}
	case TypeJoinRequest:
		if m.DisplayName == "" {
			return fail("missing display_name")
		}
	case TypeJoinResponse:
		if m.RoomCode == "" {
			return fail("missing room_code")
		}
	case TypeParticipantJoined:
		if m.Participant == nil {
			return fail("missing participant")
		}
	case TypeParticipantLeft:
		if m.PeerID == "" {
			return fail("missing peer_id")
		}
	case TypeTransferHost:
		if m.NewHostPeerID == "" {
			return fail("missing new_host_peer_id")
		}
	case TypePlay, TypeTrackChange:
		if m.Track == nil {
			return fail("missing track")
		}
	case TypePause, TypeSeek:
		// position_ms/timestamp_ms are required but both are valid at zero
		// value (epoch, position 0), so only structurally-absent fields
		// (handled by json.Unmarshal leaving them 0) cannot be distinguished
		// from legitimately-zero fields. No further check is possible here.
	case TypePing:
		if m.SentAtMs == 0 {
			return fail("missing sent_at_ms")
		}
	case TypePong:
		if m.PingSentAtMs == 0 {
			return fail("missing ping_sent_at_ms")
		}
	case TypeHeartbeat:
		if m.TrackID == "" {
			return fail("missing track_id")
		}
	case TypeDisplayNameChanged:
		if m.NewDisplayName == "" {
			return fail("missing new_display_name")
		}
	default:
		return fail("unknown message type")
	}
	return nil
}
