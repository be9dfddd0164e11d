// Package syncproto defines the data model and wire message set exchanged
// over the per-room gossip topic.
package syncproto

import "github.com/libp2p/go-libp2p/core/peer"

// MaxDisplayNameRunes bounds Participant.DisplayName. Names are
// presentation-only and never used for identity.
const MaxDisplayNameRunes = 64

// Participant is one member of a room.
type Participant struct {
	PeerID      peer.ID `json:"peer_id"`
	DisplayName string  `json:"display_name"`
	IsHost      bool    `json:"is_host"`
}

// TrackInfo describes the host's currently loaded track. SongID is the
// player's stable identifier for the item and is the equality key for
// "same track" decisions.
type TrackInfo struct {
	SongID     string `json:"song_id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	ArtworkURL string `json:"artwork_url"`
	DurationMs int64  `json:"duration_ms"`
	PositionMs int64  `json:"position_ms"`
}

// PlaybackInfo is a timestamped snapshot of the host's transport state.
// TimestampMs is the sender's wall clock (Unix epoch, milliseconds) at the
// moment PositionMs was sampled.
type PlaybackInfo struct {
	IsPlaying   bool  `json:"is_playing"`
	PositionMs  int64 `json:"position_ms"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// ExtrapolatedPositionMs projects PositionMs forward (or, if nowMs predates
// TimestampMs, backward) assuming steady playback since TimestampMs. Callers
// pass nowMs == TimestampMs when IsPlaying is false to get PositionMs back
// unchanged.
func (p PlaybackInfo) ExtrapolatedPositionMs(nowMs int64) int64 {
	if !p.IsPlaying {
		return p.PositionMs
	}
	return p.PositionMs + (nowMs - p.TimestampMs)
}

// CalibrationSample is one calibrator update, retained for diagnostics.
type CalibrationSample struct {
	DriftMs     int64  `json:"drift_ms"`
	NewOffsetMs uint32 `json:"new_offset_ms"`
	Rejected    bool   `json:"rejected"`
}

// SyncStatus is the listener-only derived diagnostic surfaced to the UI via
// the external callback interface.
type SyncStatus struct {
	DriftMs                 int64               `json:"drift_ms"`
	LatencyMs               int64               `json:"latency_ms"`
	SeekOffsetMs            uint32              `json:"seek_offset_ms"`
	ElapsedMsSinceHeartbeat int64               `json:"elapsed_ms_since_heartbeat"`
	CalibrationPending      bool                `json:"calibration_pending"`
	NextCalibrationSample   *CalibrationSample  `json:"next_calibration_sample,omitempty"`
	SampleHistory           []CalibrationSample `json:"sample_history"`

	PeerCount   int    `json:"peer_count"`
	ConnQuality string `json:"conn_quality"` // "good", "moderate", or "poor"
}
