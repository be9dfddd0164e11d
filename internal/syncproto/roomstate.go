package syncproto

import (
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cidertogether/core/internal/roomcode"
)

// RoomState is the authoritative, in-memory room snapshot. It is never
// mutated concurrently: the session orchestrator's event loop is its sole
// writer.
type RoomState struct {
	RoomCode     roomcode.Code           `json:"room_code"`
	HostPeerID   peer.ID                 `json:"host_peer_id"`
	LocalPeerID  peer.ID                 `json:"local_peer_id"`
	Participants map[peer.ID]Participant `json:"-"`
	CurrentTrack *TrackInfo              `json:"current_track,omitempty"`
	Playback     *PlaybackInfo           `json:"playback,omitempty"`
}

// NewRoomState returns a RoomState with only the local participant present,
// as host. Used by both create_room (immediately) and join_room (replaced by
// the host's RoomState reply once received).
func NewRoomState(code roomcode.Code, local peer.ID, localName string) *RoomState {
	return &RoomState{
		RoomCode:    code,
		HostPeerID:  local,
		LocalPeerID: local,
		Participants: map[peer.ID]Participant{
			local: {PeerID: local, DisplayName: localName, IsHost: true},
		},
	}
}

// Clone returns a deep-enough copy safe to hand to a callback without data
// races against subsequent mutation by the orchestrator.
func (rs *RoomState) Clone() *RoomState {
	if rs == nil {
		return nil
	}
	out := &RoomState{
		RoomCode:     rs.RoomCode,
		HostPeerID:   rs.HostPeerID,
		LocalPeerID:  rs.LocalPeerID,
		Participants: make(map[peer.ID]Participant, len(rs.Participants)),
	}
	for id, p := range rs.Participants {
		out.Participants[id] = p
	}
	if rs.CurrentTrack != nil {
		t := *rs.CurrentTrack
		out.CurrentTrack = &t
	}
	if rs.Playback != nil {
		p := *rs.Playback
		out.Playback = &p
	}
	return out
}

// OrderedParticipants returns Participants sorted by PeerID string, giving
// deterministic ordering for callback payloads and tests.
func (rs *RoomState) OrderedParticipants() []Participant {
	out := make([]Participant, 0, len(rs.Participants))
	for _, p := range rs.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Valid reports whether the room invariants hold: exactly one host, local
// peer present, host flag consistent with HostPeerID.
func (rs *RoomState) Valid() bool {
	if rs == nil {
		return false
	}
	if _, ok := rs.Participants[rs.LocalPeerID]; !ok {
		return false
	}
	hosts := 0
	for id, p := range rs.Participants {
		if p.IsHost {
			hosts++
			if id != rs.HostPeerID {
				return false
			}
		}
	}
	return hosts == 1
}

// SetHost demotes the previous host (if present) and promotes newHost,
// updating HostPeerID. Used both locally (TransferHost completion) and when
// applying an incoming RoomState/TransferHost message.
func (rs *RoomState) SetHost(newHost peer.ID) {
	for id, p := range rs.Participants {
		if p.IsHost && id != newHost {
			p.IsHost = false
			rs.Participants[id] = p
		}
	}
	if p, ok := rs.Participants[newHost]; ok {
		p.IsHost = true
		rs.Participants[newHost] = p
	}
	rs.HostPeerID = newHost
}

// Upsert adds or replaces a participant record.
func (rs *RoomState) Upsert(p Participant) {
	if rs.Participants == nil {
		rs.Participants = make(map[peer.ID]Participant)
	}
	rs.Participants[p.PeerID] = p
}

// Remove deletes a participant record, returning false if it was absent.
func (rs *RoomState) Remove(id peer.ID) bool {
	if _, ok := rs.Participants[id]; !ok {
		return false
	}
	delete(rs.Participants, id)
	return true
}
