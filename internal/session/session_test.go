package session

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/cidertogether/core/internal/callback"
	"github.com/cidertogether/core/internal/overlay"
	"github.com/cidertogether/core/internal/playerclient"
	"github.com/cidertogether/core/internal/roomcode"
	"github.com/cidertogether/core/internal/signaling"
	"github.com/cidertogether/core/internal/syncproto"
)

// fakeOverlay is a test double for overlayTransport: it records everything
// the session does to it instead of touching a real libp2p host.
type fakeOverlay struct {
	mu sync.Mutex

	id    peer.ID
	addrs []ma.Multiaddr

	published [][]byte
	joinedTo  string
	left      bool
	closed    bool

	dialed  []peer.AddrInfo
	dialErr error

	lanRoomCodes []string
}

func newFakeOverlay(id peer.ID) *fakeOverlay {
	addr, _ := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	return &fakeOverlay{id: id, addrs: []ma.Multiaddr{addr}}
}

func (f *fakeOverlay) ID() peer.ID           { return f.id }
func (f *fakeOverlay) Addrs() []ma.Multiaddr { return f.addrs }
func (f *fakeOverlay) Leave()                { f.mu.Lock(); f.left = true; f.mu.Unlock() }
func (f *fakeOverlay) Close() error          { f.mu.Lock(); f.closed = true; f.mu.Unlock(); return nil }

func (f *fakeOverlay) Join(ctx context.Context, topicName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedTo = topicName
	return nil
}

func (f *fakeOverlay) Publish(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, data)
	return nil
}

func (f *fakeOverlay) Dial(ctx context.Context, pi peer.AddrInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, pi)
	return f.dialErr
}

func (f *fakeOverlay) StartLANDiscovery(ctx context.Context, roomCode string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lanRoomCodes = append(f.lanRoomCodes, roomCode)
	return nil
}

func (f *fakeOverlay) publishedMessages() []syncproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]syncproto.Message, 0, len(f.published))
	for _, raw := range f.published {
		var m syncproto.Message
		json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(crand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("deriving peer id: %v", err)
	}
	return id
}

// newTestSession wires a Session to a fake overlay factory plus a no-op
// player/signaling client pair, suitable for tests that exercise FSM logic
// without any real HTTP or libp2p traffic.
func newTestSession(t *testing.T, fake *fakeOverlay) (*Session, *callback.Recorder) {
	t.Helper()
	rec := &callback.Recorder{}
	cfg := Config{
		Player:    playerclient.New("http://127.0.0.1:1"),
		Signaling: signaling.New("http://127.0.0.1:1"),
		Callbacks: rec,
		overlayFactory: func(ctx context.Context, _ overlay.Config) (overlayTransport, error) {
			return fake, nil
		},
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	return s, rec
}

func TestCreateRoomBecomesHostAndJoinsGossipTopic(t *testing.T) {
	fake := newFakeOverlay(randomPeerID(t))
	s, rec := newTestSession(t, fake)

	code, err := s.CreateRoom(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(code) != roomcode.Length {
		t.Fatalf("unexpected code %q", code)
	}
	if fake.joinedTo != code.GossipTopic() {
		t.Fatalf("joined topic %q, want %q", fake.joinedTo, code.GossipTopic())
	}

	var hState hostState
	var participants int
	s.postAndWait(func() {
		hState = s.hState
		if s.state != nil {
			participants = len(s.state.Participants)
		}
	})
	if hState != hostStateHost {
		t.Fatalf("hState = %v, want hostStateHost", hState)
	}
	if participants != 1 {
		t.Fatalf("participants = %d, want 1", participants)
	}
	if rec.CallCount("RoomStateChanged") == 0 {
		t.Fatal("expected at least one RoomStateChanged callback")
	}
}

func TestCreateRoomPublishesSignalingRecord(t *testing.T) {
	fake := newFakeOverlay(randomPeerID(t))
	rec := &callback.Recorder{}

	var gotPath string
	var gotBody signaling.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := Config{
		Player:    playerclient.New("http://127.0.0.1:1"),
		Signaling: signaling.New(srv.URL),
		Callbacks: rec,
		overlayFactory: func(ctx context.Context, _ overlay.Config) (overlayTransport, error) {
			return fake, nil
		},
	}
	s := New(cfg)
	defer s.Close()

	code, err := s.CreateRoom(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for gotPath == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if gotPath != "/"+code.SignalingTopic() {
		t.Fatalf("published to %q, want %q", gotPath, "/"+code.SignalingTopic())
	}
	if gotBody.PeerID != fake.id.String() {
		t.Fatalf("record peer_id = %q, want %q", gotBody.PeerID, fake.id.String())
	}
}

func TestJoinRoomDialsSignaledPeerAndSendsJoinRequest(t *testing.T) {
	hostID := randomPeerID(t)
	fake := newFakeOverlay(randomPeerID(t))
	s, _ := newTestSession(t, fake)

	code := roomcode.Code("ABCDEFGH")
	record := signaling.Record{PeerID: hostID.String(), Addrs: []string{"/ip4/10.0.0.2/tcp/4001"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]signaling.Record{record})
	}))
	defer srv.Close()
	s.cfg.Signaling = signaling.New(srv.URL)

	if err := s.JoinRoom(context.Background(), code, "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fake.mu.Lock()
		dialed := len(fake.dialed)
		fake.mu.Unlock()
		if dialed > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a dial attempt")
		}
		time.Sleep(10 * time.Millisecond)
	}

	foundJoinRequest := false
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeJoinRequest && m.DisplayName == "bob" {
			foundJoinRequest = true
		}
	}
	if !foundJoinRequest {
		t.Fatal("expected a JoinRequest to have been published after a successful dial")
	}
}

func TestHandleJoinRequestAdmitsValidDisplayName(t *testing.T) {
	fake := newFakeOverlay(randomPeerID(t))
	s, rec := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	joiner := randomPeerID(t)
	s.postAndWait(func() {
		s.handleIncoming(joiner, syncproto.Message{Type: syncproto.TypeJoinRequest, DisplayName: "bob"})
	})

	var participants int
	s.postAndWait(func() { participants = len(s.state.Participants) })
	if participants != 2 {
		t.Fatalf("participants = %d, want 2", participants)
	}
	if rec.CallCount("ParticipantJoined") != 1 {
		t.Fatalf("ParticipantJoined calls = %d, want 1", rec.CallCount("ParticipantJoined"))
	}

	sawResponse, sawJoined, sawRoomState := false, false, false
	for _, m := range fake.publishedMessages() {
		switch m.Type {
		case syncproto.TypeJoinResponse:
			if m.Accepted {
				sawResponse = true
			}
		case syncproto.TypeParticipantJoined:
			sawJoined = true
		case syncproto.TypeRoomState:
			sawRoomState = true
		}
	}
	if !sawResponse || !sawJoined || !sawRoomState {
		t.Fatalf("missing expected publications: response=%v joined=%v roomstate=%v", sawResponse, sawJoined, sawRoomState)
	}
}

func TestHandleJoinRequestRejectsEmptyDisplayName(t *testing.T) {
	fake := newFakeOverlay(randomPeerID(t))
	s, _ := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	joiner := randomPeerID(t)
	s.postAndWait(func() {
		s.handleIncoming(joiner, syncproto.Message{Type: syncproto.TypeJoinRequest, DisplayName: ""})
	})

	var participants int
	s.postAndWait(func() { participants = len(s.state.Participants) })
	if participants != 1 {
		t.Fatalf("participants = %d, want 1 (rejected join must not be admitted)", participants)
	}

	rejected := false
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeJoinResponse && !m.Accepted {
			rejected = true
		}
	}
	if !rejected {
		t.Fatal("expected a rejected JoinResponse to have been published")
	}
}

func TestHandleTransferHostToSelfBecomesHost(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	otherHost := randomPeerID(t)
	s.postAndWait(func() {
		s.overlay = fake
		s.state = syncproto.NewRoomState("ABCDEFGH", otherHost, "alice")
		s.state.Upsert(syncproto.Participant{PeerID: local, DisplayName: "bob"})
		s.hState = hostStateNotHost
	})

	s.postAndWait(func() {
		s.handleIncoming(otherHost, syncproto.Message{Type: syncproto.TypeTransferHost, NewHostPeerID: local})
	})

	var hState hostState
	var hostPeerID peer.ID
	s.postAndWait(func() {
		hState = s.hState
		hostPeerID = s.state.HostPeerID
	})
	if hState != hostStateHost {
		t.Fatalf("hState = %v, want hostStateHost", hState)
	}
	if hostPeerID != local {
		t.Fatalf("HostPeerID = %v, want local peer %v", hostPeerID, local)
	}
}

func TestHandleTransferHostClearsPendingOnAcknowledgement(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	target := randomPeerID(t)
	s.postAndWait(func() {
		s.overlay = fake
		s.state = syncproto.NewRoomState("ABCDEFGH", local, "alice")
		s.state.Upsert(syncproto.Participant{PeerID: target, DisplayName: "bob"})
		s.hState = hostStateTransferPending
		s.transferTo = target
		s.transferDdl = time.Now().Add(TransferTimeout)
	})

	s.postAndWait(func() {
		s.handleIncoming(target, syncproto.Message{Type: syncproto.TypeTransferHost, NewHostPeerID: target})
	})

	var hState hostState
	s.postAndWait(func() { hState = s.hState })
	if hState != hostStateNotHost {
		t.Fatalf("hState = %v, want hostStateNotHost once the transfer is observed", hState)
	}
}

func TestCheckTransferTimeoutRevertsAfterDeadline(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	target := randomPeerID(t)
	s.postAndWait(func() {
		s.state = syncproto.NewRoomState("ABCDEFGH", local, "alice")
		s.hState = hostStateTransferPending
		s.transferTo = target
		s.transferDdl = time.Now().Add(-time.Millisecond) // already elapsed
	})

	s.postAndWait(func() { s.checkTransferTimeout() })

	var hState hostState
	s.postAndWait(func() { hState = s.hState })
	if hState != hostStateHost {
		t.Fatalf("hState = %v, want hostStateHost (reverted)", hState)
	}
}

func TestApplyHostSnapshotDetectsTrackChangeAndTransportChange(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, rec := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	first := playerclient.PlaybackState{
		Track:      &playerclient.TrackRef{SongID: "song-1", Title: "One", DurationMs: 200000},
		IsPlaying:  true,
		PositionMs: 1000,
	}
	s.postAndWait(func() { s.applyHostSnapshot(first) })

	foundTrackChange, foundPlay := false, false
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeTrackChange && m.Track != nil && m.Track.SongID == "song-1" {
			foundTrackChange = true
		}
	}
	if !foundTrackChange {
		t.Fatal("expected a TrackChange on the first snapshot with a track")
	}
	if rec.CallCount("TrackChanged") != 1 {
		t.Fatalf("TrackChanged calls = %d, want 1", rec.CallCount("TrackChanged"))
	}

	// Second tick, same track, now paused: expect Pause, not TrackChange.
	second := playerclient.PlaybackState{
		Track:      &playerclient.TrackRef{SongID: "song-1", Title: "One", DurationMs: 200000},
		IsPlaying:  false,
		PositionMs: 5000,
	}
	s.postAndWait(func() { s.applyHostSnapshot(second) })

	for _, m := range fake.publishedMessages()[len(fake.publishedMessages())-2:] {
		if m.Type == syncproto.TypePause {
			foundPlay = true
		}
	}
	if !foundPlay {
		t.Fatal("expected a Pause message once the transport state flips to paused")
	}
}

func TestApplyHostSnapshotDetectsSeekDiscontinuity(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	track := &playerclient.TrackRef{SongID: "song-1", DurationMs: 200000}
	s.postAndWait(func() {
		s.applyHostSnapshot(playerclient.PlaybackState{Track: track, IsPlaying: true, PositionMs: 1000})
		// Pretend the previous tick happened 1 second ago at position 1000ms.
		s.lastSnapshotAt = time.Now().Add(-time.Second)
		s.lastSnapshot.PositionMs = 1000
	})

	// One wall-clock second elapsed but position jumped to 60s: the host's
	// player was scrubbed, well past SeekDiscontinuityThresholdMs.
	s.postAndWait(func() {
		s.applyHostSnapshot(playerclient.PlaybackState{Track: track, IsPlaying: true, PositionMs: 60000})
	})

	foundSeek := false
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeSeek {
			foundSeek = true
		}
	}
	if !foundSeek {
		t.Fatal("expected a Seek message on a large position discontinuity")
	}
}

func TestApplyHostSnapshotAlwaysPublishesHeartbeat(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	track := &playerclient.TrackRef{SongID: "song-1", DurationMs: 200000}
	s.postAndWait(func() {
		s.applyHostSnapshot(playerclient.PlaybackState{Track: track, IsPlaying: true, PositionMs: 1000})
	})

	heartbeats := 0
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeHeartbeat && m.TrackID == "song-1" {
			heartbeats++
		}
	}
	if heartbeats != 1 {
		t.Fatalf("heartbeats = %d, want 1", heartbeats)
	}
}

func TestApplyHeartbeatCalibrationEmitsSyncStatus(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, rec := newTestSession(t, fake)

	if err := s.JoinRoom(context.Background(), roomcode.Code("ABCDEFGH"), "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	s.postAndWait(func() {
		s.calibrator.SetTrack("song-1")
		s.applyHeartbeatCalibration("song-1", 1000, 900)
	})

	if rec.CallCount("SyncStatus") != 1 {
		t.Fatalf("SyncStatus calls = %d, want 1", rec.CallCount("SyncStatus"))
	}
	status := rec.SyncStatuses[0]
	if status.DriftMs != 100 {
		t.Fatalf("DriftMs = %d, want 100", status.DriftMs)
	}
}

func TestHandlePongSmoothsLatencyWithEMA(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	sentAt := time.Now().Add(-100 * time.Millisecond).UnixMilli()
	s.postAndWait(func() {
		s.handlePong(syncproto.Message{PingSentAtMs: sentAt})
	})
	var firstLatency float64
	s.postAndWait(func() { firstLatency = s.pingLatencyMs })
	if firstLatency <= 0 {
		t.Fatalf("expected a positive initial latency estimate, got %v", firstLatency)
	}

	sentAt2 := time.Now().UnixMilli() // ~0 rtt
	s.postAndWait(func() {
		s.handlePong(syncproto.Message{PingSentAtMs: sentAt2})
	})
	var secondLatency float64
	s.postAndWait(func() { secondLatency = s.pingLatencyMs })
	if secondLatency >= firstLatency {
		t.Fatalf("expected smoothed latency to move toward the new, lower sample: first=%v second=%v", firstLatency, secondLatency)
	}
}

func TestCheckConnectivityFiresOnDisconnectedAfterStaleActivity(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, rec := newTestSession(t, fake)

	host := randomPeerID(t)
	s.postAndWait(func() {
		s.overlay = fake
		s.state = syncproto.NewRoomState("ABCDEFGH", host, "alice")
		s.state.Upsert(syncproto.Participant{PeerID: local, DisplayName: "bob"})
		s.hState = hostStateNotHost
		s.jState = joinStateInRoom
		s.lastActivityAt = time.Now().Add(-2 * DisconnectTimeout)
	})
	s.postAndWait(func() { s.checkConnectivity() })

	if rec.CallCount("Disconnected") != 1 {
		t.Fatalf("Disconnected calls = %d, want 1", rec.CallCount("Disconnected"))
	}
	if rec.CallCount("RoomEnded") != 1 {
		t.Fatalf("RoomEnded calls = %d, want 1", rec.CallCount("RoomEnded"))
	}
	var state *syncproto.RoomState
	s.postAndWait(func() { state = s.state })
	if state != nil {
		t.Fatal("expected room state to be cleared on disconnect")
	}
}

func TestCheckConnectivityIgnoresSilenceOnTheHost(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, rec := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	s.postAndWait(func() {
		s.lastActivityAt = time.Now().Add(-2 * DisconnectTimeout)
	})
	s.postAndWait(func() { s.checkConnectivity() })

	if rec.CallCount("Disconnected") != 0 {
		t.Fatal("a silent room must not disconnect the host; it is the traffic source")
	}
}

func TestHostDepartureEndsRoomForListener(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, rec := newTestSession(t, fake)

	host := randomPeerID(t)
	s.postAndWait(func() {
		s.overlay = fake
		s.state = syncproto.NewRoomState("ABCDEFGH", host, "alice")
		s.state.Upsert(syncproto.Participant{PeerID: local, DisplayName: "bob"})
		s.hState = hostStateNotHost
		s.jState = joinStateInRoom
	})

	s.postAndWait(func() {
		s.handleIncoming(host, syncproto.Message{Type: syncproto.TypeParticipantLeft, PeerID: host})
	})

	if rec.CallCount("RoomEnded") != 1 {
		t.Fatalf("RoomEnded calls = %d, want 1", rec.CallCount("RoomEnded"))
	}
	var state *syncproto.RoomState
	s.postAndWait(func() { state = s.state })
	if state != nil {
		t.Fatal("expected room state to be cleared once the host leaves")
	}
}

func TestAcceptedJoinResponseFiresOnConnected(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, rec := newTestSession(t, fake)

	host := randomPeerID(t)
	s.postAndWait(func() {
		s.overlay = fake
		s.code = roomcode.Code("ABCDEFGH")
		s.jState = joinStateConnecting
	})
	s.postAndWait(func() {
		s.handleIncoming(host, syncproto.Message{Type: syncproto.TypeJoinResponse, RoomCode: "ABCDEFGH", Accepted: true})
	})

	var jState joinState
	s.postAndWait(func() { jState = s.jState })
	if jState != joinStateInRoom {
		t.Fatalf("jState = %v, want joinStateInRoom", jState)
	}
	if rec.CallCount("Connected") != 1 {
		t.Fatalf("Connected calls = %d, want 1", rec.CallCount("Connected"))
	}
}

func TestRenamePublishesDisplayNameChanged(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := s.Rename("alice2"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	var name string
	s.postAndWait(func() { name = s.state.Participants[local].DisplayName })
	if name != "alice2" {
		t.Fatalf("local display name = %q, want %q", name, "alice2")
	}

	found := false
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeDisplayNameChanged && m.NewDisplayName == "alice2" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a DisplayNameChanged message to have been published")
	}
}

func TestLeaveRoomPublishesParticipantLeftAndResetsState(t *testing.T) {
	local := randomPeerID(t)
	fake := newFakeOverlay(local)
	s, _ := newTestSession(t, fake)

	if _, err := s.CreateRoom(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := s.LeaveRoom(); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}

	var state *syncproto.RoomState
	var hState hostState
	s.postAndWait(func() {
		state = s.state
		hState = s.hState
	})
	if state != nil || hState != hostStateNotHost {
		t.Fatalf("expected state cleared and host reset, got state=%v hState=%v", state, hState)
	}
	if !fake.left {
		t.Fatal("expected the overlay topic to have been left")
	}

	foundLeft := false
	for _, m := range fake.publishedMessages() {
		if m.Type == syncproto.TypeParticipantLeft {
			foundLeft = true
		}
	}
	if !foundLeft {
		t.Fatal("expected a ParticipantLeft message to have been published")
	}
}
