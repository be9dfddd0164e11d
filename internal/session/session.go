// Package session implements the single long-lived orchestrator task that
// drives room membership, playback synchronization, and host election: one
// goroutine owns all mutable state and is the sole consumer of a command
// channel, an inbound-message channel, and a set of timers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/cidertogether/core/internal/calibrate"
	"github.com/cidertogether/core/internal/callback"
	"github.com/cidertogether/core/internal/overlay"
	"github.com/cidertogether/core/internal/playerclient"
	"github.com/cidertogether/core/internal/roomcode"
	"github.com/cidertogether/core/internal/signaling"
	"github.com/cidertogether/core/internal/syncproto"
)

// BroadcastInterval is the host's 1 Hz playback re-assertion cadence.
const BroadcastInterval = time.Second

// JoinSearchWindow bounds JoinRoom's signaling search before RoomNotFound
// is surfaced.
const JoinSearchWindow = 20 * time.Second

// TransferTimeout bounds how long a pending host transfer waits for the
// designated target to acknowledge membership before reverting.
const TransferTimeout = 10 * time.Second

// DisconnectTimeout is how long all connectivity may be lost before
// OnDisconnected fires and the room state is cleared.
const DisconnectTimeout = 15 * time.Second

// SeekDiscontinuityThresholdMs is the |Δposition - Δwallclock| bound past
// which the host broadcast loop treats a position change as a Seek rather
// than steady playback.
const SeekDiscontinuityThresholdMs = 2000

// pingLatencyAlpha is the EMA weight applied to Pong round-trip samples.
const pingLatencyAlpha = 0.3

// pingInterval is how often an in-room listener samples gossip round-trip
// latency with a Ping. Diagnostic only; sync convergence does not depend
// on it.
const pingInterval = 5 * time.Second

// overlayTransport is the subset of *overlay.Overlay the session depends
// on, as an interface so tests can inject a fake transport instead of
// standing up real libp2p hosts.
type overlayTransport interface {
	ID() peer.ID
	Addrs() []ma.Multiaddr
	Join(ctx context.Context, topicName string) error
	Leave()
	Publish(ctx context.Context, data []byte) error
	Dial(ctx context.Context, pi peer.AddrInfo) error
	StartLANDiscovery(ctx context.Context, roomCode string, port int) error
	Close() error
}

// overlayFactory constructs the transport for a fresh session. Overridable
// in tests.
type overlayFactory func(ctx context.Context, cfg overlay.Config) (overlayTransport, error)

func defaultOverlayFactory(ctx context.Context, cfg overlay.Config) (overlayTransport, error) {
	return overlay.New(ctx, cfg)
}

// hostState is the host-transfer state machine.
type hostState int

const (
	hostStateNotHost hostState = iota
	hostStateHost
	hostStateTransferPending
)

// joinState is the joiner-side negotiation state machine.
type joinState int

const (
	joinStateIdle joinState = iota
	joinStateSearching
	joinStateConnecting
	joinStateInRoom
	joinStateTimeout
)

// Config wires a Session to its collaborators.
type Config struct {
	Player    *playerclient.Client
	Signaling *signaling.Client
	Callbacks callback.Callbacks
	RelayAddr ma.Multiaddr

	overlayFactory overlayFactory // only set by tests
}

type incomingMessage struct {
	from peer.ID
	msg  syncproto.Message
}

// Session owns one room membership's entire lifecycle. The zero value is
// not usable; construct with New.
type Session struct {
	cfg Config

	cmd      chan func()
	incoming chan incomingMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Fields below are owned exclusively by the run loop goroutine; no
	// other goroutine may read or write them.
	overlay     overlayTransport
	code        roomcode.Code
	displayName string
	state       *syncproto.RoomState
	calibrator  *calibrate.Calibrator
	localTrack  string
	hState      hostState
	jState      joinState
	transferTo  peer.ID
	transferDdl time.Time
	joinCancel  context.CancelFunc

	lastSnapshot   playerclient.PlaybackState
	lastSnapshotAt time.Time

	lastActivityAt time.Time
	lastPingAt     time.Time
	disconnected   bool

	pingLatencyMs   float64
	havePingLatency bool
}

// New constructs a Session and starts its run loop. Call Close to tear it
// down.
func New(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.overlayFactory == nil {
		cfg.overlayFactory = defaultOverlayFactory
	}
	s := &Session{
		cfg:      cfg,
		cmd:      make(chan func(), 64),
		incoming: make(chan incomingMessage, 64),
		ctx:      ctx,
		cancel:   cancel,
		jState:   joinStateIdle,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Close cancels any in-flight join, tears down the overlay, and stops the
// run loop.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Session) run() {
	defer s.wg.Done()

	broadcastTicker := time.NewTicker(BroadcastInterval)
	defer broadcastTicker.Stop()
	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.teardownLocked()
			return
		case fn := <-s.cmd:
			fn()
		case im := <-s.incoming:
			s.handleIncoming(im.from, im.msg)
		case <-broadcastTicker.C:
			if s.hState == hostStateHost {
				s.hostBroadcastTick()
			}
			s.checkTransferTimeout()
		case <-watchdog.C:
			s.checkConnectivity()
			s.maybeSendPing()
		}
	}
}

func (s *Session) teardownLocked() {
	if s.overlay != nil {
		s.overlay.Close()
		s.overlay = nil
	}
}

// post enqueues fn to run on the session goroutine and blocks the calling
// goroutine only until it has been accepted, not until it has run. The
// queue is large enough that a full run-loop tick never backs up a caller.
func (s *Session) post(fn func()) {
	select {
	case s.cmd <- fn:
	case <-s.ctx.Done():
	}
}

// postAndWait runs fn on the session goroutine and blocks the caller until
// it has completed, for command entry points that must return a result
// (e.g. CreateRoom's room code).
func (s *Session) postAndWait(fn func()) {
	done := make(chan struct{})
	s.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

func (s *Session) emitError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Warn("session error", "error", msg)
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnError(msg)
	}
}

func (s *Session) touchActivity() {
	s.lastActivityAt = time.Now()
	if s.disconnected {
		s.disconnected = false
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnConnected()
		}
	}
}

func (s *Session) checkConnectivity() {
	if s.overlay == nil || s.lastActivityAt.IsZero() || s.disconnected {
		return
	}
	if s.hState == hostStateHost {
		// The host is the traffic source; silence from listeners is normal.
		return
	}
	if time.Since(s.lastActivityAt) > DisconnectTimeout {
		s.disconnected = true
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnDisconnected()
		}
		if s.state != nil {
			s.endRoomLocked("lost connection to the room")
		}
	}
}

// resetRoomLocked returns the session to idle without emitting anything.
// Runs on the session goroutine.
func (s *Session) resetRoomLocked() {
	if s.joinCancel != nil {
		s.joinCancel()
		s.joinCancel = nil
	}
	if s.overlay != nil {
		s.overlay.Leave()
	}
	s.teardownLocked()
	s.state = nil
	s.code = ""
	s.displayName = ""
	s.calibrator = nil
	s.localTrack = ""
	s.hState = hostStateNotHost
	s.jState = joinStateIdle
	s.transferTo = ""
	s.lastSnapshot = playerclient.PlaybackState{}
	s.lastSnapshotAt = time.Time{}
	s.lastActivityAt = time.Time{}
	s.lastPingAt = time.Time{}
	s.disconnected = false
	s.pingLatencyMs = 0
	s.havePingLatency = false
}

// endRoomLocked tears the current room down and notifies the UI that it has
// ended.
func (s *Session) endRoomLocked(reason string) {
	s.resetRoomLocked()
	if s.cfg.Callbacks != nil {
		s.cfg.Callbacks.OnRoomEnded(reason)
	}
}

func (s *Session) maybeSendPing() {
	if s.state == nil || s.hState == hostStateHost {
		return
	}
	if time.Since(s.lastPingAt) < pingInterval {
		return
	}
	s.lastPingAt = time.Now()
	s.publish(syncproto.Message{Type: syncproto.TypePing, SentAtMs: s.lastPingAt.UnixMilli()})
}

func (s *Session) checkTransferTimeout() {
	if s.hState != hostStateTransferPending {
		return
	}
	if time.Now().After(s.transferDdl) {
		slog.Warn("session: host transfer timed out, reverting", "target", s.transferTo)
		s.hState = hostStateHost
		s.transferTo = ""
	}
}

func (s *Session) publish(msg syncproto.Message) {
	data, err := syncproto.Encode(msg)
	if err != nil {
		s.emitError("encoding %s: %v", msg.Type, err)
		return
	}
	if s.overlay == nil {
		return
	}
	if err := s.overlay.Publish(s.ctx, data); err != nil {
		// Publish failures are logged and the message is dropped, never
		// surfaced or retried; on the host, the next 1 Hz Heartbeat
		// re-asserts the current playback state.
		slog.Debug("session: publish failed, dropping message", "type", msg.Type, "err", err)
	}
}
