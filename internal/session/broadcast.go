package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/cidertogether/core/internal/playerclient"
	"github.com/cidertogether/core/internal/syncproto"
)

// broadcastRoomState publishes the full current room snapshot, used after
// any roster or host change so every peer, including one that just joined,
// converges on the same picture without waiting for the next heartbeat.
func (s *Session) broadcastRoomState() {
	if s.state == nil {
		return
	}
	s.publish(syncproto.Message{
		Type:         syncproto.TypeRoomState,
		RoomCode:     s.code.String(),
		HostPeerID:   s.state.HostPeerID,
		Participants: s.state.OrderedParticipants(),
		CurrentTrack: s.state.CurrentTrack,
		Playback:     s.state.Playback,
	})
}

// hostBroadcastTick is the host's 1 Hz re-assertion cadence. Reading the
// player's transport state is a blocking HTTP round trip, so it runs on a
// helper goroutine; the actual diff-and-publish logic runs back on the
// session goroutine via applyHostSnapshot so RoomState mutation stays
// totally ordered.
func (s *Session) hostBroadcastTick() {
	if s.cfg.Player == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		state, err := s.cfg.Player.GetPlaybackState(ctx)
		if err != nil {
			// Transient player-reachability failures never surface; the
			// next tick tries again.
			slog.Debug("session: host broadcast tick: player unreachable, skipping", "err", err)
			return
		}
		s.post(func() { s.applyHostSnapshot(state) })
	}()
}

// applyHostSnapshot compares a freshly-read player snapshot against the
// previous one and publishes exactly the messages the change warrants:
//   - TrackChange when song_id changes
//   - Play/Pause when the transport (playing/paused) flips
//   - Seek when |Δposition - Δwallclock| exceeds
//     SeekDiscontinuityThresholdMs while steadily playing
//   - Heartbeat every tick while a track with a song_id is loaded
func (s *Session) applyHostSnapshot(state playerclient.PlaybackState) {
	if s.hState != hostStateHost || s.state == nil {
		return
	}
	now := time.Now()
	nowMs := now.UnixMilli()
	hadPrior := !s.lastSnapshotAt.IsZero()

	trackChanged := false
	if state.Track != nil {
		prevSongID := ""
		if s.state.CurrentTrack != nil {
			prevSongID = s.state.CurrentTrack.SongID
		}
		if state.Track.SongID != prevSongID {
			trackChanged = true
			info := &syncproto.TrackInfo{
				SongID:     state.Track.SongID,
				Name:       state.Track.Title,
				Artist:     state.Track.Artist,
				DurationMs: state.Track.DurationMs,
				PositionMs: state.PositionMs,
			}
			s.state.CurrentTrack = info
			s.localTrack = info.SongID
			if s.calibrator != nil {
				s.calibrator.SetTrack(info.SongID)
			}
			s.publish(syncproto.Message{Type: syncproto.TypeTrackChange, Track: info, PositionMs: state.PositionMs, TimestampMs: nowMs})
			if s.cfg.Callbacks != nil {
				s.cfg.Callbacks.OnTrackChanged(info)
			}
		}
	}

	transportChanged := !trackChanged && hadPrior && s.lastSnapshot.IsPlaying != state.IsPlaying

	discontinuous := false
	if !trackChanged && !transportChanged && hadPrior && state.IsPlaying && s.lastSnapshot.IsPlaying {
		deltaPosition := state.PositionMs - s.lastSnapshot.PositionMs
		deltaWallclock := nowMs - s.lastSnapshotAt.UnixMilli()
		if absInt64(deltaPosition-deltaWallclock) > SeekDiscontinuityThresholdMs {
			discontinuous = true
		}
	}

	playback := &syncproto.PlaybackInfo{IsPlaying: state.IsPlaying, PositionMs: state.PositionMs, TimestampMs: nowMs}
	s.state.Playback = playback

	switch {
	case transportChanged:
		if state.IsPlaying {
			s.publish(syncproto.Message{Type: syncproto.TypePlay, Track: s.state.CurrentTrack, PositionMs: state.PositionMs, TimestampMs: nowMs})
		} else {
			s.publish(syncproto.Message{Type: syncproto.TypePause, PositionMs: state.PositionMs, TimestampMs: nowMs})
		}
	case discontinuous:
		s.publish(syncproto.Message{Type: syncproto.TypeSeek, PositionMs: state.PositionMs, TimestampMs: nowMs})
	}

	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnPlaybackChanged(playback)
	}

	if s.state.CurrentTrack != nil && s.state.CurrentTrack.SongID != "" {
		// Playback rides along on every Heartbeat, not just on
		// Play/Pause/Seek, so a listener that missed an earlier change still
		// converges within one tick.
		s.publish(syncproto.Message{Type: syncproto.TypeHeartbeat, TrackID: s.state.CurrentTrack.SongID, Playback: playback})
	}

	s.lastSnapshot = state
	s.lastSnapshotAt = now
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
