package session

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cidertogether/core/internal/calibrate"
	"github.com/cidertogether/core/internal/roomcode"
	"github.com/cidertogether/core/internal/syncproto"
)

// handleIncoming dispatches one gossip-delivered message to the variant
// handler below. It runs entirely on the session goroutine, so every
// handler may freely read and mutate Session's run-loop-owned fields.
func (s *Session) handleIncoming(from peer.ID, msg syncproto.Message) {
	if s.overlay == nil {
		return
	}
	s.touchActivity()

	switch msg.Type {
	case syncproto.TypeRoomState:
		s.applyRoomState(msg)
	case syncproto.TypeJoinRequest:
		s.handleJoinRequest(from, msg)
	case syncproto.TypeJoinResponse:
		s.handleJoinResponse(msg)
	case syncproto.TypeParticipantJoined:
		s.handleParticipantJoined(msg)
	case syncproto.TypeParticipantLeft:
		s.handleParticipantLeft(msg)
	case syncproto.TypeTransferHost:
		s.handleTransferHost(msg)
	case syncproto.TypePlay, syncproto.TypePause, syncproto.TypeSeek, syncproto.TypeTrackChange:
		s.handlePlaybackMessage(msg)
	case syncproto.TypeHeartbeat:
		s.handleHeartbeat(from, msg)
	case syncproto.TypePing:
		s.handlePing(msg)
	case syncproto.TypePong:
		s.handlePong(msg)
	case syncproto.TypeDisplayNameChanged:
		s.handleDisplayNameChanged(from, msg)
	default:
		slog.Debug("session: dropping unrecognized message type", "type", msg.Type)
	}
}

// applyRoomState adopts a freshly-received authoritative snapshot. A joiner
// still searching or connecting transitions to InRoom the first time one
// naming the local peer arrives.
func (s *Session) applyRoomState(msg syncproto.Message) {
	code, err := roomcode.Parse(msg.RoomCode)
	if err != nil {
		slog.Debug("session: dropping RoomState with unparseable room_code", "err", err)
		return
	}
	if s.code != "" && code != s.code {
		return
	}

	state := &syncproto.RoomState{
		RoomCode:     code,
		HostPeerID:   msg.HostPeerID,
		LocalPeerID:  s.overlay.ID(),
		Participants: make(map[peer.ID]syncproto.Participant, len(msg.Participants)),
	}
	for _, p := range msg.Participants {
		state.Participants[p.PeerID] = p
	}
	if msg.CurrentTrack != nil {
		t := *msg.CurrentTrack
		state.CurrentTrack = &t
	}
	if msg.Playback != nil {
		p := *msg.Playback
		state.Playback = &p
	}

	if _, present := state.Participants[state.LocalPeerID]; !present {
		// Not yet on the roster. Keep searching rather than adopting a
		// room we aren't a member of.
		return
	}

	s.code = code
	s.state = state
	if s.calibrator == nil {
		s.calibrator = calibrate.New()
	}
	if state.CurrentTrack != nil {
		s.localTrack = state.CurrentTrack.SongID
		s.calibrator.SetTrack(s.localTrack)
	}
	if s.jState == joinStateSearching || s.jState == joinStateConnecting {
		s.jState = joinStateInRoom
		if s.joinCancel != nil {
			s.joinCancel()
			s.joinCancel = nil
		}
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnConnected()
		}
	}
	if state.HostPeerID == s.overlay.ID() {
		s.hState = hostStateHost
	} else if s.hState == hostStateHost || s.hState == hostStateTransferPending {
		// A RoomState naming another host also completes a pending transfer:
		// only the host publishes RoomState.
		s.hState = hostStateNotHost
		s.transferTo = ""
	}
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
	}
}

// handleJoinRequest is host-only: it validates the requested display name,
// admits or rejects the joiner, and (on admission) broadcasts both the
// lightweight ParticipantJoined delta and a full RoomState so the joiner
// adopts the roster and current track in one round trip.
func (s *Session) handleJoinRequest(from peer.ID, msg syncproto.Message) {
	if s.hState != hostStateHost || s.state == nil {
		return
	}
	if msg.DisplayName == "" || utf8.RuneCountInString(msg.DisplayName) > syncproto.MaxDisplayNameRunes {
		s.publish(syncproto.Message{
			Type:     syncproto.TypeJoinResponse,
			RoomCode: s.code.String(),
			Accepted: false,
			Reason:   "invalid display name",
		})
		return
	}

	p := syncproto.Participant{PeerID: from, DisplayName: msg.DisplayName}
	s.state.Upsert(p)

	s.publish(syncproto.Message{Type: syncproto.TypeJoinResponse, RoomCode: s.code.String(), Accepted: true})
	s.publish(syncproto.Message{Type: syncproto.TypeParticipantJoined, Participant: &p})
	s.broadcastRoomState()

	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnParticipantJoined(p)
		s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
	}
}

// handleJoinResponse is the joiner side of the exchange above. JoinResponse
// carries no per-request correlation id, so any accepted response for the
// room code currently being searched is treated as ours; the RoomState
// broadcast the host sends immediately after is what actually repopulates
// the roster.
func (s *Session) handleJoinResponse(msg syncproto.Message) {
	if s.jState != joinStateSearching && s.jState != joinStateConnecting {
		return
	}
	if msg.RoomCode == "" {
		return
	}
	code, err := roomcode.Parse(msg.RoomCode)
	if err != nil || (s.code != "" && code != s.code) {
		return
	}
	if !msg.Accepted {
		return
	}
	s.code = code
	s.jState = joinStateInRoom
	if s.joinCancel != nil {
		s.joinCancel()
		s.joinCancel = nil
	}
	if s.calibrator == nil {
		s.calibrator = calibrate.New()
	}
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnConnected()
	}
}

func (s *Session) handleParticipantJoined(msg syncproto.Message) {
	if msg.Participant == nil || s.state == nil {
		return
	}
	s.state.Upsert(*msg.Participant)
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnParticipantJoined(*msg.Participant)
		s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
	}
}

func (s *Session) handleParticipantLeft(msg syncproto.Message) {
	if s.state == nil {
		return
	}
	hostLeft := msg.PeerID == s.state.HostPeerID
	if !s.state.Remove(msg.PeerID) {
		return
	}
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnParticipantLeft(msg.PeerID)
	}
	if hostLeft && s.hState != hostStateHost {
		s.endRoomLocked("host left the room")
		return
	}
	if s.hState == hostStateHost && len(s.state.Participants) == 1 {
		s.endRoomLocked("all participants left")
		return
	}
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
	}
	if s.hState == hostStateHost {
		s.broadcastRoomState()
	}
}

// handleTransferHost applies a host-transfer announcement regardless of who
// sent it: every receiving peer, the incoming host included, derives its
// local hState from this message. The overlay never delivers a peer's own
// publications back to it, so the outgoing host normally leaves
// TransferPending on the new host's RoomState (applyRoomState) instead.
func (s *Session) handleTransferHost(msg syncproto.Message) {
	if s.state == nil || msg.NewHostPeerID == "" {
		return
	}
	s.state.SetHost(msg.NewHostPeerID)
	local := s.overlay.ID()

	switch {
	case msg.NewHostPeerID == local:
		s.hState = hostStateHost
	case s.hState == hostStateTransferPending && s.transferTo == msg.NewHostPeerID:
		s.hState = hostStateNotHost
		s.transferTo = ""
	case s.hState == hostStateHost:
		// A transfer we didn't initiate named someone else: stand down.
		s.hState = hostStateNotHost
	}

	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
	}
	if s.hState == hostStateHost {
		s.broadcastRoomState()
	}
}

// handlePlaybackMessage applies a host-originated transport change on the
// listener side, issuing the corresponding player command with a
// calibrator-adjusted seek target. Hosts ignore these: a host only ever
// originates them.
func (s *Session) handlePlaybackMessage(msg syncproto.Message) {
	if s.hState == hostStateHost || s.state == nil {
		return
	}
	now := time.Now()
	durationMs := trackDurationMs(s.state.CurrentTrack)

	switch msg.Type {
	case syncproto.TypeTrackChange:
		if msg.Track == nil {
			return
		}
		t := *msg.Track
		s.state.CurrentTrack = &t
		s.localTrack = t.SongID
		if s.calibrator != nil {
			s.calibrator.SetTrack(t.SongID)
		}
		positionMs := t.PositionMs
		elapsedMs := int64(0)
		if msg.TimestampMs > 0 {
			positionMs = msg.PositionMs
			elapsedMs = now.UnixMilli() - msg.TimestampMs
		}
		target := s.seekTarget(positionMs, elapsedMs, t.DurationMs)
		songID := t.SongID
		go s.applyPlayerCommand(func(ctx context.Context) error {
			if err := s.cfg.Player.PlaySongByID(ctx, songID); err != nil {
				return err
			}
			return s.cfg.Player.Seek(ctx, target, t.DurationMs)
		})
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnTrackChanged(&t)
		}

	case syncproto.TypePlay:
		if msg.Track != nil {
			t := *msg.Track
			s.state.CurrentTrack = &t
			durationMs = t.DurationMs
		}
		pb := &syncproto.PlaybackInfo{IsPlaying: true, PositionMs: msg.PositionMs, TimestampMs: msg.TimestampMs}
		s.state.Playback = pb
		target := s.seekTarget(msg.PositionMs, now.UnixMilli()-msg.TimestampMs, durationMs)
		go s.applyPlayerCommand(func(ctx context.Context) error {
			if err := s.cfg.Player.Seek(ctx, target, durationMs); err != nil {
				return err
			}
			return s.cfg.Player.Play(ctx)
		})
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnPlaybackChanged(pb)
		}

	case syncproto.TypePause:
		pb := &syncproto.PlaybackInfo{IsPlaying: false, PositionMs: msg.PositionMs, TimestampMs: msg.TimestampMs}
		s.state.Playback = pb
		// The pause position does not advance, so no wall-clock
		// extrapolation: just position + offset.
		target := s.seekTarget(msg.PositionMs, 0, durationMs)
		go s.applyPlayerCommand(func(ctx context.Context) error {
			if err := s.cfg.Player.Pause(ctx); err != nil {
				return err
			}
			return s.cfg.Player.Seek(ctx, target, durationMs)
		})
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnPlaybackChanged(pb)
		}

	case syncproto.TypeSeek:
		wasPlaying := s.state.Playback != nil && s.state.Playback.IsPlaying
		pb := &syncproto.PlaybackInfo{IsPlaying: wasPlaying, PositionMs: msg.PositionMs, TimestampMs: msg.TimestampMs}
		s.state.Playback = pb
		target := s.seekTarget(msg.PositionMs, now.UnixMilli()-msg.TimestampMs, durationMs)
		go s.applyPlayerCommand(func(ctx context.Context) error {
			return s.cfg.Player.Seek(ctx, target, durationMs)
		})
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnPlaybackChanged(pb)
		}
	}
}

func (s *Session) seekTarget(hostPositionMs, elapsedMs, durationMs int64) int64 {
	if s.calibrator == nil {
		return hostPositionMs + elapsedMs
	}
	return s.calibrator.EffectiveSeekTargetMs(hostPositionMs, elapsedMs, durationMs)
}

func trackDurationMs(t *syncproto.TrackInfo) int64 {
	if t == nil {
		return 0
	}
	return t.DurationMs
}

// applyPlayerCommand runs a player call off the session goroutine with a
// bounded timeout. Failures are logged and swallowed; the next host
// broadcast or calibration sample is what actually converges drift, not a
// retry of this one command.
func (s *Session) applyPlayerCommand(call func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	if err := call(ctx); err != nil {
		slog.Debug("session: applying host-driven playback command failed", "err", err)
	}
}

// handleHeartbeat feeds the calibrator with a fresh drift sample and emits
// the resulting SyncStatus. Reading the local player's position is a
// blocking HTTP call, so it happens on a helper goroutine and is posted
// back rather than performed inline on the session goroutine.
func (s *Session) handleHeartbeat(from peer.ID, msg syncproto.Message) {
	if s.hState == hostStateHost || s.state == nil || s.calibrator == nil {
		return
	}
	if s.state.HostPeerID != "" && from != s.state.HostPeerID {
		return
	}
	// The heartbeat carries its own playback snapshot so a listener that
	// missed an earlier Play/Pause/Seek still re-synchronizes from this
	// message alone; fall back to the last playback state seen only if this
	// heartbeat omits it.
	if msg.Playback != nil {
		pb := *msg.Playback
		s.state.Playback = &pb
	}
	hostExtrapolatedMs := int64(0)
	if s.state.Playback != nil {
		hostExtrapolatedMs = s.state.Playback.ExtrapolatedPositionMs(time.Now().UnixMilli())
	}
	trackID := msg.TrackID

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		state, err := s.cfg.Player.GetPlaybackState(ctx)
		if err != nil {
			slog.Debug("session: could not read local playback state for calibration", "err", err)
			return
		}
		s.post(func() {
			s.applyHeartbeatCalibration(trackID, state.PositionMs, hostExtrapolatedMs)
		})
	}()
}

func (s *Session) applyHeartbeatCalibration(trackID string, localPositionMs, hostExtrapolatedMs int64) {
	if s.calibrator == nil {
		return
	}
	sample, ok := s.calibrator.Observe(trackID, localPositionMs, hostExtrapolatedMs, time.Now())

	status := syncproto.SyncStatus{
		LatencyMs:          int64(s.pingLatencyMs),
		SeekOffsetMs:       s.calibrator.OffsetMs(),
		SampleHistory:      convertSamples(s.calibrator.History()),
		CalibrationPending: !ok,
	}
	if ok {
		status.DriftMs = sample.DriftMs
		if sample.Rejected {
			status.NextCalibrationSample = &syncproto.CalibrationSample{
				DriftMs:     sample.DriftMs,
				NewOffsetMs: sample.NewOffsetMs,
				Rejected:    sample.Rejected,
			}
		}
	}
	if last := s.calibrator.LastHeartbeatAt(); !last.IsZero() {
		status.ElapsedMsSinceHeartbeat = time.Since(last).Milliseconds()
	}
	if s.state != nil {
		status.PeerCount = len(s.state.Participants)
	}
	status.ConnQuality = connQualityFor(status.LatencyMs)

	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnSyncStatus(status)
	}
}

func convertSamples(in []calibrate.Sample) []syncproto.CalibrationSample {
	out := make([]syncproto.CalibrationSample, len(in))
	for i, sm := range in {
		out[i] = syncproto.CalibrationSample{DriftMs: sm.DriftMs, NewOffsetMs: sm.NewOffsetMs, Rejected: sm.Rejected}
	}
	return out
}

func connQualityFor(latencyMs int64) string {
	switch {
	case latencyMs < 150:
		return "good"
	case latencyMs < 400:
		return "moderate"
	default:
		return "poor"
	}
}

func (s *Session) handlePing(msg syncproto.Message) {
	s.publish(syncproto.Message{
		Type:         syncproto.TypePong,
		PingSentAtMs: msg.SentAtMs,
		ReceivedAtMs: time.Now().UnixMilli(),
	})
}

// handlePong folds one round-trip sample into the smoothed latency
// estimate.
func (s *Session) handlePong(msg syncproto.Message) {
	rttMs := time.Now().UnixMilli() - msg.PingSentAtMs
	if rttMs < 0 {
		return
	}
	latency := float64(rttMs) / 2
	if !s.havePingLatency {
		s.pingLatencyMs = latency
		s.havePingLatency = true
		return
	}
	s.pingLatencyMs = pingLatencyAlpha*latency + (1-pingLatencyAlpha)*s.pingLatencyMs
}

// handleDisplayNameChanged applies a rename to an existing participant.
func (s *Session) handleDisplayNameChanged(from peer.ID, msg syncproto.Message) {
	if s.state == nil {
		return
	}
	p, ok := s.state.Participants[from]
	if !ok {
		return
	}
	p.DisplayName = msg.NewDisplayName
	s.state.Upsert(p)
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
	}
	if s.hState == hostStateHost {
		s.broadcastRoomState()
	}
}
