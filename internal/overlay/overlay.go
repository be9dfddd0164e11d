// Package overlay composes the single peer-to-peer network behaviour the
// session orchestrator drives: one libp2p host carrying gossip pub/sub,
// circuit-relay reachability, hole-punch upgrade, LAN discovery, protocol
// identify enforcement, and keep-alive probing.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/identify"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

// ApplicationProtocol is the identify-enforced protocol string every peer
// in a cidertogether overlay must advertise.
const ApplicationProtocol = "/cider-together/1.0.0"

// KeepAliveInterval is how often Overlay pings each connected peer to
// detect silently-dead connections.
const KeepAliveInterval = 15 * time.Second

// mdnsServiceName is the zeroconf service tag used for LAN discovery.
const mdnsServiceName = "_cidertogether._udp"

// ErrProtocolMismatch is logged, never surfaced to the UI layer, when a
// newly-identified peer does not advertise ApplicationProtocol.
var ErrProtocolMismatch = errors.New("overlay: peer advertises an unexpected protocol")

// PeerFoundHandler is invoked whenever a peer becomes dialable, whether via
// direct dial, a circuit relay address, or LAN discovery.
type PeerFoundHandler func(pi peer.AddrInfo)

// MessageHandler is invoked for every gossip message received on the room
// topic, after the publishing peer has been excluded.
type MessageHandler func(from peer.ID, data []byte)

// Config configures a single Overlay instance.
type Config struct {
	// RelayAddr is the multiaddr of the public relay this peer reserves a
	// circuit slot on. Required for NAT traversal.
	RelayAddr ma.Multiaddr

	// PrivateKey is this peer's persistent identity. A fresh key is
	// generated when nil.
	PrivateKey crypto.PrivKey

	// ListenAddrs are the local multiaddrs to listen on. Defaults to
	// ephemeral TCP and QUIC ports on all interfaces.
	ListenAddrs []ma.Multiaddr

	OnMessage    MessageHandler
	OnPeerFound  PeerFoundHandler
	OnDisconnect func(peer.ID)
}

// Overlay is one peer's composed network behaviour: a libp2p host plus the
// gossip topic, relay reservation, hole-punch upgrade, mDNS discovery,
// identify enforcement, and keep-alive loop layered on top of it.
type Overlay struct {
	cfg Config

	host host.Host
	ps   *pubsub.PubSub
	ping *ping.PingService

	mu      sync.Mutex
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	mdnsSrv *zeroconf.Server

	cancelPing context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a host and every composed behaviour, but does not yet
// subscribe to a room topic or advertise over mDNS; call Join and
// StartLANDiscovery for those.
func New(ctx context.Context, cfg Config) (*Overlay, error) {
	listenAddrs := cfg.ListenAddrs
	if len(listenAddrs) == 0 {
		defaults, err := defaultListenAddrs()
		if err != nil {
			return nil, err
		}
		listenAddrs = defaults
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.DefaultMuxers,
		libp2p.EnableHolePunching(),
		libp2p.EnableRelay(),
	}
	if cfg.PrivateKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivateKey))
	}
	if cfg.RelayAddr != nil {
		relayInfo, err := peer.AddrInfoFromP2pAddr(cfg.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("overlay: invalid relay address: %w", err)
		}
		opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*relayInfo}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("overlay: constructing host: %w", err)
	}

	idService, err := identify.NewIDService(h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: constructing identify service: %w", err)
	}
	idService.Start()

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: constructing gossipsub: %w", err)
	}

	o := &Overlay{
		cfg:  cfg,
		host: h,
		ps:   ps,
		ping: ping.NewPingService(h),
	}

	h.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			if cfg.OnDisconnect != nil {
				cfg.OnDisconnect(conn.RemotePeer())
			}
		},
	})

	h.SetStreamHandler(protocol.ID(ApplicationProtocol), func(s network.Stream) {
		// Presence of a stream opened on our own protocol ID is itself the
		// handshake; nothing further to read here, sync traffic rides
		// gossipsub instead.
		s.Close()
	})

	o.startIdentifyEnforcement(ctx)
	o.startKeepAlive(ctx)

	return o, nil
}

func defaultListenAddrs() ([]ma.Multiaddr, error) {
	tcp, err := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
	if err != nil {
		return nil, err
	}
	quic, err := ma.NewMultiaddr("/ip4/0.0.0.0/udp/0/quic-v1")
	if err != nil {
		return nil, err
	}
	return []ma.Multiaddr{tcp, quic}, nil
}

// Host returns the underlying libp2p host, e.g. for signaling-record
// address collection.
func (o *Overlay) Host() host.Host { return o.host }

// ID returns this peer's identity.
func (o *Overlay) ID() peer.ID { return o.host.ID() }

// Addrs returns the addresses this peer currently believes itself
// reachable at, including any relay circuit address reserved via
// EnableAutoRelayWithStaticRelays.
func (o *Overlay) Addrs() []ma.Multiaddr {
	return o.host.Addrs()
}

// Join subscribes to the gossip topic topicName and starts delivering
// incoming messages to cfg.OnMessage.
func (o *Overlay) Join(ctx context.Context, topicName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.topic != nil {
		return fmt.Errorf("overlay: already joined a topic")
	}

	topic, err := o.ps.Join(topicName)
	if err != nil {
		return fmt.Errorf("overlay: joining topic %q: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("overlay: subscribing to topic %q: %w", topicName, err)
	}

	o.topic = topic
	o.sub = sub

	o.wg.Add(1)
	go o.readLoop(ctx, sub)
	return nil
}

func (o *Overlay) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer o.wg.Done()
	self := o.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		if o.cfg.OnMessage != nil {
			o.cfg.OnMessage(msg.ReceivedFrom, msg.Data)
		}
	}
}

// Publish broadcasts data on the joined room topic.
func (o *Overlay) Publish(ctx context.Context, data []byte) error {
	o.mu.Lock()
	topic := o.topic
	o.mu.Unlock()
	if topic == nil {
		return fmt.Errorf("overlay: not joined to a topic")
	}
	return topic.Publish(ctx, data)
}

// Leave tears down the room subscription without closing the host.
func (o *Overlay) Leave() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sub != nil {
		o.sub.Cancel()
		o.sub = nil
	}
	if o.topic != nil {
		o.topic.Close()
		o.topic = nil
	}
}

// Dial attempts a direct connection first and falls back to the peer's
// relay circuit address.
func (o *Overlay) Dial(ctx context.Context, pi peer.AddrInfo) error {
	direct, circuit := splitDirectAndCircuit(pi)

	if len(direct.Addrs) > 0 {
		if err := o.host.Connect(ctx, direct); err == nil {
			return nil
		}
	}
	if len(circuit.Addrs) > 0 {
		return o.host.Connect(ctx, circuit)
	}
	return fmt.Errorf("overlay: no dialable addresses for peer %s", pi.ID)
}

func splitDirectAndCircuit(pi peer.AddrInfo) (direct, circuit peer.AddrInfo) {
	direct.ID = pi.ID
	circuit.ID = pi.ID
	for _, addr := range pi.Addrs {
		if isCircuitAddr(addr) {
			circuit.Addrs = append(circuit.Addrs, addr)
		} else {
			direct.Addrs = append(direct.Addrs, addr)
		}
	}
	return direct, circuit
}

func isCircuitAddr(addr ma.Multiaddr) bool {
	for _, p := range addr.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// startIdentifyEnforcement disconnects any peer whose identify-reported
// protocol set does not include ApplicationProtocol. It polls the peerstore
// after each new connection rather than subscribing to the identify
// service's event-bus notification; the polling loop is the same shape as
// the keep-alive probe below.
func (o *Overlay) startIdentifyEnforcement(ctx context.Context) {
	o.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			go o.enforceIdentifyProtocol(ctx, conn.RemotePeer())
		},
	})
}

func (o *Overlay) enforceIdentifyProtocol(ctx context.Context, p peer.ID) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		protocols, err := o.host.Peerstore().GetProtocols(p)
		if err == nil && len(protocols) > 0 {
			for _, proto := range protocols {
				if string(proto) == ApplicationProtocol {
					if o.cfg.OnPeerFound != nil {
						o.cfg.OnPeerFound(peer.AddrInfo{ID: p, Addrs: o.host.Peerstore().Addrs(p)})
					}
					return
				}
			}
			// Identify completed and ApplicationProtocol is absent: drop
			// the peer, logging the mismatch.
			slog.Warn("overlay: dropping peer", "peer", p, "err", ErrProtocolMismatch)
			o.host.Network().ClosePeer(p)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// startKeepAlive pings every currently-connected peer every
// KeepAliveInterval; a failed round trip closes the connections to that
// peer, and cfg.OnDisconnect fires from the Notify hook registered in New.
func (o *Overlay) startKeepAlive(ctx context.Context) {
	pingCtx, cancel := context.WithCancel(ctx)
	o.cancelPing = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				for _, p := range o.host.Network().Peers() {
					go o.pingOnce(pingCtx, p)
				}
			}
		}
	}()
}

func (o *Overlay) pingOnce(ctx context.Context, p peer.ID) {
	ctx, cancel := context.WithTimeout(ctx, KeepAliveInterval/2)
	defer cancel()
	res := <-o.ping.Ping(ctx, p)
	if res.Error != nil {
		o.host.Network().ClosePeer(p)
	}
}

// StartLANDiscovery advertises this peer over mDNS and begins browsing for
// others advertising the same room code. Discovered peers are reported
// through cfg.OnPeerFound.
func (o *Overlay) StartLANDiscovery(ctx context.Context, roomCode string, port int) error {
	txt := []string{"room=" + roomCode, "peer=" + o.host.ID().String()}
	srv, err := zeroconf.Register(o.host.ID().String(), mdnsServiceName, "local.", port, txt, nil)
	if err != nil {
		return fmt.Errorf("overlay: registering mdns service: %w", err)
	}

	o.mu.Lock()
	o.mdnsSrv = srv
	o.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 16)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for entry := range entries {
			o.handleDiscoveryEntry(roomCode, entry)
		}
	}()

	if err := zeroconf.Browse(ctx, mdnsServiceName, "local.", entries); err != nil {
		srv.Shutdown()
		o.mu.Lock()
		o.mdnsSrv = nil
		o.mu.Unlock()
		close(entries)
		return fmt.Errorf("overlay: browsing mdns: %w", err)
	}
	return nil
}

func (o *Overlay) handleDiscoveryEntry(roomCode string, entry *zeroconf.ServiceEntry) {
	var entryPeer, entryRoom string
	for _, kv := range entry.Text {
		switch {
		case len(kv) > 5 && kv[:5] == "room=":
			entryRoom = kv[5:]
		case len(kv) > 5 && kv[:5] == "peer=":
			entryPeer = kv[5:]
		}
	}
	if entryRoom != roomCode || entryPeer == "" || entryPeer == o.host.ID().String() {
		return
	}
	pid, err := peer.Decode(entryPeer)
	if err != nil {
		return
	}

	addrs := make([]ma.Multiaddr, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", ip.String(), entry.Port))
		if err == nil {
			addrs = append(addrs, addr)
		}
	}
	for _, ip := range entry.AddrIPv6 {
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s/tcp/%d", ip.String(), entry.Port))
		if err == nil {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 || o.cfg.OnPeerFound == nil {
		return
	}
	o.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
	o.cfg.OnPeerFound(peer.AddrInfo{ID: pid, Addrs: addrs})
}

// Close tears down every background loop and the host itself.
func (o *Overlay) Close() error {
	o.Leave()
	if o.cancelPing != nil {
		o.cancelPing()
	}
	o.mu.Lock()
	if o.mdnsSrv != nil {
		o.mdnsSrv.Shutdown()
		o.mdnsSrv = nil
	}
	o.mu.Unlock()
	o.wg.Wait()
	return o.host.Close()
}
