// Package calibrate implements the listener-side adaptive seek-offset
// learner: an EMA filter with an asymmetric normal/damped learning rate
// that tracks the local player's pipeline latency relative to the host.
package calibrate

import "time"

const (
	// InitialOffsetMs is the starting seek_offset_ms before any calibration
	// sample has been applied.
	InitialOffsetMs = 500

	// MinOffsetMs and MaxOffsetMs bound the offset at all times.
	MinOffsetMs = 100
	MaxOffsetMs = 2000

	// normalAlpha is the EMA weight applied when |drift| is within the
	// normal regime.
	normalAlpha = 0.15
	// dampedAlpha is the much weaker weight applied to outlier samples, so
	// they still nudge the offset but cannot swing it.
	dampedAlpha = 0.05

	// dampedThresholdMs is the |drift_ms| boundary between the normal and
	// damped regimes.
	dampedThresholdMs = 1500

	// historySize is how many past samples are retained for diagnostics.
	historySize = 10
)

// Sample mirrors syncproto.CalibrationSample; kept as a distinct type here
// so this package has no dependency on syncproto, and session converts
// between them at its boundary.
type Sample struct {
	DriftMs     int64
	NewOffsetMs uint32
	Rejected    bool
}

// Calibrator learns the seek offset from a sequence of Heartbeat
// observations. Not safe for concurrent use; the session orchestrator is
// its sole caller.
type Calibrator struct {
	offsetMs      float64
	history       [historySize]Sample
	historyLen    int
	historyNext   int
	currentTrack  string
	lastHeartbeat time.Time
}

// New returns a Calibrator seeded at InitialOffsetMs.
func New() *Calibrator {
	return &Calibrator{offsetMs: InitialOffsetMs}
}

// OffsetMs returns the current, clamped seek offset.
func (c *Calibrator) OffsetMs() uint32 {
	return uint32(clamp(c.offsetMs, MinOffsetMs, MaxOffsetMs))
}

// SetTrack records the currently-loaded local track id. Observe ignores any
// heartbeat whose track id does not match it; drift against a different
// track is meaningless.
func (c *Calibrator) SetTrack(trackID string) {
	c.currentTrack = trackID
}

// Observe feeds one Heartbeat's implied drift through the filter and
// returns the resulting sample, or (Sample{}, false) if the heartbeat's
// track id doesn't match the locally-loaded track and was ignored.
//
// localPositionMs is the listener's own current playhead; hostExtrapolatedMs
// is the host's (position_ms, timestamp_ms) projected to "now" the same way
// syncproto.PlaybackInfo.ExtrapolatedPositionMs does.
func (c *Calibrator) Observe(heartbeatTrackID string, localPositionMs, hostExtrapolatedMs int64, now time.Time) (Sample, bool) {
	if heartbeatTrackID != c.currentTrack {
		return Sample{}, false
	}
	c.lastHeartbeat = now

	driftMs := localPositionMs - hostExtrapolatedMs
	ideal := clamp(c.offsetMs-float64(driftMs), MinOffsetMs, MaxOffsetMs)

	rejected := absInt64(driftMs) > dampedThresholdMs
	alpha := normalAlpha
	if rejected {
		alpha = dampedAlpha
	}
	c.offsetMs = alpha*ideal + (1-alpha)*c.offsetMs
	c.offsetMs = clamp(c.offsetMs, MinOffsetMs, MaxOffsetMs)

	sample := Sample{
		DriftMs:     driftMs,
		NewOffsetMs: uint32(c.offsetMs),
		Rejected:    rejected,
	}
	c.pushHistory(sample)
	return sample, true
}

// LastHeartbeatAt returns the wall-clock time of the most recent accepted or
// rejected observation (not affected by ignored, track-mismatched
// heartbeats), or the zero Time if none has been observed yet.
func (c *Calibrator) LastHeartbeatAt() time.Time {
	return c.lastHeartbeat
}

// History returns the retained samples, oldest first, capped at
// historySize entries.
func (c *Calibrator) History() []Sample {
	out := make([]Sample, 0, c.historyLen)
	start := (c.historyNext - c.historyLen + historySize) % historySize
	for i := 0; i < c.historyLen; i++ {
		out = append(out, c.history[(start+i)%historySize])
	}
	return out
}

func (c *Calibrator) pushHistory(s Sample) {
	c.history[c.historyNext] = s
	c.historyNext = (c.historyNext + 1) % historySize
	if c.historyLen < historySize {
		c.historyLen++
	}
}

// EffectiveSeekTargetMs computes the clamp(host_position + elapsed + offset,
// 0, duration) target used whenever the listener applies a Seek, Play, or
// TrackChange from the host. durationMs <= 0 means "unknown", in which case
// only the lower bound is enforced.
func (c *Calibrator) EffectiveSeekTargetMs(hostPositionMs, elapsedSinceTimestampMs int64, durationMs int64) int64 {
	target := hostPositionMs + elapsedSinceTimestampMs + int64(c.OffsetMs())
	if target < 0 {
		target = 0
	}
	if durationMs > 0 && target > durationMs {
		target = durationMs
	}
	return target
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
