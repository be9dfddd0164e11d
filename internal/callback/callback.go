// Package callback defines the narrow outbound API the session orchestrator
// uses to notify its UI-layer collaborator. It is the only output the core
// produces apart from the overlay wire.
package callback

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cidertogether/core/internal/syncproto"
)

// Callbacks is the fixed set of outbound notifications emitted from the
// session task. Implementations must be safe to call from a background
// goroutine and must not block on anything the UI thread might also hold;
// marshalling to the UI dispatcher is the implementer's job.
type Callbacks interface {
	OnRoomStateChanged(state *syncproto.RoomState)
	OnTrackChanged(track *syncproto.TrackInfo)
	OnPlaybackChanged(playback *syncproto.PlaybackInfo)
	OnParticipantJoined(p syncproto.Participant)
	OnParticipantLeft(peerID peer.ID)
	OnRoomEnded(reason string)
	OnError(message string)
	OnConnected()
	OnDisconnected()
	OnSyncStatus(status syncproto.SyncStatus)
}

// NopCallbacks implements Callbacks with no-ops. Embed it in tests or
// headless callers that only care about a subset of notifications.
type NopCallbacks struct{}

func (NopCallbacks) OnRoomStateChanged(*syncproto.RoomState)   {}
func (NopCallbacks) OnTrackChanged(*syncproto.TrackInfo)       {}
func (NopCallbacks) OnPlaybackChanged(*syncproto.PlaybackInfo) {}
func (NopCallbacks) OnParticipantJoined(syncproto.Participant) {}
func (NopCallbacks) OnParticipantLeft(peer.ID)                 {}
func (NopCallbacks) OnRoomEnded(string)                        {}
func (NopCallbacks) OnError(string)                            {}
func (NopCallbacks) OnConnected()                              {}
func (NopCallbacks) OnDisconnected()                           {}
func (NopCallbacks) OnSyncStatus(syncproto.SyncStatus)         {}

var _ Callbacks = NopCallbacks{}
