package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/cidertogether/core/internal/calibrate"
	"github.com/cidertogether/core/internal/overlay"
	"github.com/cidertogether/core/internal/roomcode"
	"github.com/cidertogether/core/internal/signaling"
	"github.com/cidertogether/core/internal/syncproto"
)

// ErrAlreadyInRoom is returned by CreateRoom/JoinRoom when a room session
// is already active.
var ErrAlreadyInRoom = errors.New("session: already in a room")

// ErrRoomNotFound names the outcome of the join search window elapsing
// without a reachable host. JoinRoom does not return it: that outcome is
// reported through Callbacks.OnError with the message "room not found".
var ErrRoomNotFound = errors.New("session: room not found")

// CreateRoom generates a room code, starts the overlay, subscribes to the
// room's gossip topic, publishes the signaling record, and sets the local
// peer as host. It starts the 1 Hz host broadcast loop implicitly (gated on
// host state in the run loop's ticker branch).
func (s *Session) CreateRoom(ctx context.Context, displayName string) (roomcode.Code, error) {
	code, err := roomcode.Generate()
	if err != nil {
		return "", fmt.Errorf("session: generating room code: %w", err)
	}

	var startErr error
	s.postAndWait(func() {
		if s.overlay != nil {
			startErr = ErrAlreadyInRoom
			return
		}
		startErr = s.startOverlay(ctx)
	})
	if startErr != nil {
		return "", startErr
	}

	var joinErr error
	s.postAndWait(func() {
		joinErr = s.overlay.Join(ctx, code.GossipTopic())
		if joinErr != nil {
			return
		}
		s.code = code
		s.displayName = displayName
		s.state = syncproto.NewRoomState(code, s.overlay.ID(), displayName)
		s.calibrator = calibrate.New()
		s.hState = hostStateHost
		s.touchActivity()
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
		}
	})
	if joinErr != nil {
		s.postAndWait(func() { s.teardownLocked() })
		return "", joinErr
	}

	s.publishSignalingRecordAsync(code)
	s.startLANDiscoveryAsync(code)

	return code, nil
}

// JoinRoom starts the overlay, subscribes to the topic, and spawns the
// join negotiation as a background helper task. It returns once the search
// has been kicked off; the terminal outcome (in the room, or "room not
// found") is reported exclusively through the callback interface.
func (s *Session) JoinRoom(ctx context.Context, code roomcode.Code, displayName string) error {
	var startErr error
	s.postAndWait(func() {
		if s.overlay != nil {
			startErr = ErrAlreadyInRoom
			return
		}
		startErr = s.startOverlay(ctx)
	})
	if startErr != nil {
		return startErr
	}

	var joinErr error
	s.postAndWait(func() {
		joinErr = s.overlay.Join(ctx, code.GossipTopic())
		if joinErr != nil {
			return
		}
		s.code = code
		s.displayName = displayName
		s.calibrator = calibrate.New()
		s.jState = joinStateSearching
		joinCtx, cancel := context.WithTimeout(s.ctx, JoinSearchWindow)
		s.joinCancel = cancel
		s.wg.Add(1)
		go s.runJoinSearch(joinCtx, code, displayName)
	})
	if joinErr != nil {
		s.postAndWait(func() { s.teardownLocked() })
		return joinErr
	}
	s.startLANDiscoveryAsync(code)
	return nil
}

// startLANDiscoveryAsync advertises and browses for this room over mDNS.
// Failure is logged, not surfaced: LAN discovery is a latency optimization,
// not the only path to a reachable peer.
func (s *Session) startLANDiscoveryAsync(code roomcode.Code) {
	go func() {
		var port int
		var ov overlayTransport
		s.postAndWait(func() { ov = s.overlay })
		if ov == nil {
			return
		}
		for _, addr := range ov.Addrs() {
			if p, err := addr.ValueForProtocol(ma.P_TCP); err == nil {
				if v, err := parsePort(p); err == nil {
					port = v
					break
				}
			}
		}
		if port == 0 {
			return
		}
		if err := ov.StartLANDiscovery(s.ctx, code.Lower(), port); err != nil {
			slog.Debug("session: mdns discovery unavailable", "err", err)
		}
	}()
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// runJoinSearch is the join helper task: poll signaling with backoff,
// dial every candidate record (direct preferred, circuit fallback), and on
// the first successful dial publish JoinRequest. It never mutates Session
// state directly; all state transitions are posted back through s.post so
// the run loop remains the sole writer.
func (s *Session) runJoinSearch(ctx context.Context, code roomcode.Code, displayName string) {
	defer s.wg.Done()
	defer func() {
		s.post(func() {
			if s.joinCancel != nil {
				s.joinCancel()
				s.joinCancel = nil
			}
		})
	}()

	b := signaling.PollBackOff()
	sinceMs := int64(0)
	dialed := false

	for {
		select {
		case <-ctx.Done():
			s.post(func() {
				if s.jState != joinStateInRoom {
					s.jState = joinStateTimeout
					s.emitError("room not found")
					s.teardownLocked()
				}
			})
			return
		default:
		}

		records, err := s.cfg.Signaling.Poll(ctx, code, sinceMs)
		if err != nil {
			if !errors.Is(err, signaling.ErrNotFound) {
				slog.Debug("session: signaling poll failed, retrying", "err", err)
			}
			select {
			case <-ctx.Done():
				continue
			case <-time.After(b.NextBackOff()):
				continue
			}
		}
		b.Reset()

		for _, rec := range records {
			if rec.PublishedAt > sinceMs {
				sinceMs = rec.PublishedAt
			}
			addrInfo, perr := recordToAddrInfo(rec)
			if perr != nil {
				continue
			}

			s.post(func() {
				if s.jState == joinStateSearching {
					s.jState = joinStateConnecting
				}
			})

			dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
			derr := s.dialRecord(dialCtx, addrInfo)
			dialCancel()
			if derr != nil {
				continue
			}
			dialed = true

			s.post(func() {
				s.publish(syncproto.Message{Type: syncproto.TypeJoinRequest, DisplayName: displayName})
			})
		}

		if dialed {
			// JoinResponse/RoomState arriving on the gossip topic drives the
			// InRoom transition from handleIncoming; keep polling for
			// address updates in case the host's record changes, but slow
			// down now that we believe we're connected.
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// dialRecord dials from the helper goroutine; only the overlay handle is
// fetched through the run loop, so a slow dial never stalls it.
func (s *Session) dialRecord(ctx context.Context, pi peer.AddrInfo) error {
	var ov overlayTransport
	s.postAndWait(func() { ov = s.overlay })
	if ov == nil {
		return fmt.Errorf("session: overlay is down")
	}
	return ov.Dial(ctx, pi)
}

func recordToAddrInfo(rec signaling.Record) (peer.AddrInfo, error) {
	pid, err := peer.Decode(rec.PeerID)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	addrs := make([]ma.Multiaddr, 0, len(rec.Addrs))
	for _, raw := range rec.Addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return peer.AddrInfo{}, fmt.Errorf("session: record for peer %s has no parseable addresses", rec.PeerID)
	}
	return peer.AddrInfo{ID: pid, Addrs: addrs}, nil
}

// LeaveRoom publishes ParticipantLeft (if currently in a room), cancels any
// in-flight join, and tears down the overlay session.
func (s *Session) LeaveRoom() error {
	s.postAndWait(func() {
		if s.overlay != nil && s.state != nil {
			s.publish(syncproto.Message{Type: syncproto.TypeParticipantLeft, PeerID: s.overlay.ID()})
		}
		s.resetRoomLocked()
	})
	return nil
}

// TransferHost publishes TransferHost{target} and marks the transfer
// pending; the local is_host flag is cleared only once the transfer is
// observed from the room (the new host's RoomState, or a TransferHost naming
// target received from another peer), and reverts after TransferTimeout.
func (s *Session) TransferHost(target peer.ID) error {
	var err error
	s.postAndWait(func() {
		if s.hState != hostStateHost {
			err = fmt.Errorf("session: transfer_host is host-only")
			return
		}
		s.hState = hostStateTransferPending
		s.transferTo = target
		s.transferDdl = time.Now().Add(TransferTimeout)
		s.publish(syncproto.Message{Type: syncproto.TypeTransferHost, NewHostPeerID: target})
	})
	return err
}

// SyncPlay invokes the player client's play transport and returns
// immediately; the next broadcast tick detects and announces the change.
func (s *Session) SyncPlay(ctx context.Context) error  { return s.hostOnlyPlayerCall(ctx, s.cfg.Player.Play) }
func (s *Session) SyncPause(ctx context.Context) error { return s.hostOnlyPlayerCall(ctx, s.cfg.Player.Pause) }
func (s *Session) SyncNext(ctx context.Context) error  { return s.hostOnlyPlayerCall(ctx, s.cfg.Player.Next) }
func (s *Session) SyncPrevious(ctx context.Context) error {
	return s.hostOnlyPlayerCall(ctx, s.cfg.Player.Previous)
}

// Rename publishes a DisplayNameChanged correction for the local
// participant (host or listener) and applies it to the local room state
// immediately, rather than waiting for the message to round-trip through
// gossip.
func (s *Session) Rename(name string) error {
	var err error
	s.postAndWait(func() {
		if s.state == nil || s.overlay == nil {
			err = fmt.Errorf("session: rename requires an active room")
			return
		}
		self := s.overlay.ID()
		p, ok := s.state.Participants[self]
		if !ok {
			err = fmt.Errorf("session: local participant missing from room state")
			return
		}
		p.DisplayName = name
		s.state.Upsert(p)
		s.displayName = name
		s.publish(syncproto.Message{Type: syncproto.TypeDisplayNameChanged, PeerID: self, NewDisplayName: name})
		if s.cfg.Callbacks != nil {
			s.cfg.Callbacks.OnRoomStateChanged(s.state.Clone())
		}
		if s.hState == hostStateHost {
			s.broadcastRoomState()
		}
	})
	return err
}

func (s *Session) hostOnlyPlayerCall(ctx context.Context, call func(context.Context) error) error {
	var isHost bool
	s.postAndWait(func() { isHost = s.hState == hostStateHost })
	if !isHost {
		return fmt.Errorf("session: this command is host-only")
	}
	if err := call(ctx); err != nil {
		// The player may be momentarily busy; the next broadcast tick
		// re-asserts intent.
		slog.Debug("session: player command failed, broadcast loop will retry", "err", err)
	}
	return nil
}

// publishSignalingRecordAsync publishes this peer's reachable addresses to
// the signaling bus from a helper goroutine, retrying transient failures
// with backoff and never surfacing them.
func (s *Session) publishSignalingRecordAsync(code roomcode.Code) {
	go func() {
		var id peer.ID
		var addrs []ma.Multiaddr
		s.postAndWait(func() {
			if s.overlay == nil {
				return
			}
			id = s.overlay.ID()
			addrs = s.overlay.Addrs()
		})
		if id == "" {
			return
		}
		rawAddrs := make([]string, 0, len(addrs))
		for _, a := range addrs {
			full := a.Encapsulate(mustComponent("/p2p/" + id.String()))
			rawAddrs = append(rawAddrs, full.String())
		}
		record := signaling.Record{PeerID: id.String(), Addrs: rawAddrs}

		_, _ = backoff.Retry(s.ctx, func() (struct{}, error) {
			return struct{}{}, s.cfg.Signaling.Publish(s.ctx, code, record)
		}, backoff.WithBackOff(signaling.PollBackOff()), backoff.WithMaxTries(8))
	}()
}

func mustComponent(s string) ma.Multiaddr {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		// /p2p/<id> is always a well-formed component for a valid peer.ID;
		// a failure here means the multiaddr library itself is broken.
		panic(err)
	}
	return addr
}

func (s *Session) startOverlay(ctx context.Context) error {
	o, err := s.cfg.overlayFactory(ctx, overlay.Config{
		RelayAddr:   s.cfg.RelayAddr,
		OnMessage:   s.onOverlayMessage,
		OnPeerFound: s.onOverlayPeerFound,
	})
	if err != nil {
		return fmt.Errorf("session: starting overlay: %w", err)
	}
	s.overlay = o
	return nil
}

// onOverlayPeerFound fires for peers discovered via LAN mDNS or a
// successfully-identified connection; it is the direct-dial counterpart to
// the signaling-driven search in runJoinSearch, sharing the same
// dial-then-JoinRequest sequence for a joiner still searching.
func (s *Session) onOverlayPeerFound(pi peer.AddrInfo) {
	s.post(func() {
		if s.overlay == nil {
			return
		}
		s.touchActivity()
		if s.jState != joinStateSearching && s.jState != joinStateConnecting {
			return
		}
		s.jState = joinStateConnecting
		ov := s.overlay
		name := s.displayName
		go func() {
			dialCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			defer cancel()
			if err := ov.Dial(dialCtx, pi); err != nil {
				return
			}
			s.post(func() {
				if s.hState != hostStateHost {
					s.publish(syncproto.Message{Type: syncproto.TypeJoinRequest, DisplayName: name})
				}
			})
		}()
	})
}

// onOverlayMessage is the overlay's gossip delivery callback; it runs on
// the overlay's own read-loop goroutine (internal/overlay.readLoop), so it
// only decodes and forwards to the session's incoming channel rather than
// touching session state directly.
func (s *Session) onOverlayMessage(from peer.ID, data []byte) {
	msg, err := syncproto.Decode(data)
	if err != nil {
		slog.Debug("session: dropping malformed sync message", "from", from, "err", err)
		return
	}
	select {
	case s.incoming <- incomingMessage{from: from, msg: msg}:
	case <-s.ctx.Done():
	}
}
