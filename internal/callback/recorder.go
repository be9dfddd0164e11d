package callback

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cidertogether/core/internal/syncproto"
)

// Recorder is a Callbacks implementation that appends every invocation to an
// in-memory log, used by session tests to assert on emitted notifications
// without standing up a real UI collaborator.
type Recorder struct {
	mu    sync.Mutex
	Calls []string

	RoomStates   []*syncproto.RoomState
	Tracks       []*syncproto.TrackInfo
	Playbacks    []*syncproto.PlaybackInfo
	Joined       []syncproto.Participant
	Left         []peer.ID
	EndedReasons []string
	Errors       []string
	SyncStatuses []syncproto.SyncStatus
	Connected    int
	Disconnected int
}

var _ Callbacks = (*Recorder)(nil)

func (r *Recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, name)
}

func (r *Recorder) OnRoomStateChanged(state *syncproto.RoomState) {
	r.record("RoomStateChanged")
	r.mu.Lock()
	r.RoomStates = append(r.RoomStates, state)
	r.mu.Unlock()
}

func (r *Recorder) OnTrackChanged(track *syncproto.TrackInfo) {
	r.record("TrackChanged")
	r.mu.Lock()
	r.Tracks = append(r.Tracks, track)
	r.mu.Unlock()
}

func (r *Recorder) OnPlaybackChanged(playback *syncproto.PlaybackInfo) {
	r.record("PlaybackChanged")
	r.mu.Lock()
	r.Playbacks = append(r.Playbacks, playback)
	r.mu.Unlock()
}

func (r *Recorder) OnParticipantJoined(p syncproto.Participant) {
	r.record("ParticipantJoined")
	r.mu.Lock()
	r.Joined = append(r.Joined, p)
	r.mu.Unlock()
}

func (r *Recorder) OnParticipantLeft(peerID peer.ID) {
	r.record("ParticipantLeft")
	r.mu.Lock()
	r.Left = append(r.Left, peerID)
	r.mu.Unlock()
}

func (r *Recorder) OnRoomEnded(reason string) {
	r.record("RoomEnded")
	r.mu.Lock()
	r.EndedReasons = append(r.EndedReasons, reason)
	r.mu.Unlock()
}

func (r *Recorder) OnError(message string) {
	r.record("Error")
	r.mu.Lock()
	r.Errors = append(r.Errors, message)
	r.mu.Unlock()
}

func (r *Recorder) OnConnected() {
	r.record("Connected")
	r.mu.Lock()
	r.Connected++
	r.mu.Unlock()
}

func (r *Recorder) OnDisconnected() {
	r.record("Disconnected")
	r.mu.Lock()
	r.Disconnected++
	r.mu.Unlock()
}

func (r *Recorder) OnSyncStatus(status syncproto.SyncStatus) {
	r.record("SyncStatus")
	r.mu.Lock()
	r.SyncStatuses = append(r.SyncStatuses, status)
	r.mu.Unlock()
}

// CallCount returns how many times a named callback (e.g. "RoomStateChanged")
// was invoked.
func (r *Recorder) CallCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if c == name {
			n++
		}
	}
	return n
}

// LastError returns the most recently recorded OnError message, or "" if
// none was recorded.
func (r *Recorder) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1]
}
