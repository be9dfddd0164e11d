// Command relay runs the standalone relay server process: a libp2p host
// composing only the relay, identify, and keep-alive behaviours, so
// NAT-bound peers can reserve a circuit slot and reach each other. It
// carries no room state, no gossip, and no session orchestrator; those live
// in the session process (internal/session) and are never imported here.
//
// Exit codes: 0 on a clean shutdown, 2 on a bind failure, 3 on a fatal
// overlay error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/identify"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/cidertogether/core/internal/overlay"
	"github.com/cidertogether/core/internal/relaymetrics"
)

const keepAliveInterval = 15 * time.Second
const dashboardInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	listenPort := flag.Int("listen-port", 4001, "TCP and QUIC port to listen on (both IPv4 and IPv6)")
	expectedProtocol := flag.String("expected-protocol", overlay.ApplicationProtocol, "application protocol string peers must advertise to keep their reservation")
	flag.Parse()

	listenAddrs, err := relayListenAddrs(*listenPort)
	if err != nil {
		slog.Error("relay: building listen addresses", "err", err)
		return 2
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.DefaultMuxers,
		libp2p.EnableRelayService(),
		libp2p.ForceReachabilityPublic(),
	)
	if err != nil {
		slog.Error("relay: constructing host", "err", err)
		return 2
	}
	defer h.Close()

	idService, err := identify.NewIDService(h)
	if err != nil {
		slog.Error("relay: constructing identify service", "err", err)
		return 3
	}
	idService.Start()
	defer idService.Close()

	pingService := ping.NewPingService(h)

	counters := &relaymetrics.Counters{}
	h.Network().Notify(counters.Notifiee())
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			go enforceProtocol(h, counters, conn.RemotePeer(), protocol.ID(*expectedProtocol))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("relay: shutting down")
		cancel()
	}()

	go startKeepAlive(ctx, h, pingService)
	go relaymetrics.RunDashboard(ctx, counters, os.Stdout, dashboardInterval)

	fmt.Printf("relay: listening as %s on %v\n", h.ID(), h.Addrs())
	<-ctx.Done()
	return 0
}

// relayListenAddrs builds the IPv4+IPv6, TCP+QUIC listen set for port.
func relayListenAddrs(port int) ([]ma.Multiaddr, error) {
	specs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", port),
	}
	addrs := make([]ma.Multiaddr, 0, len(specs))
	for _, s := range specs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("relay: parsing %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// enforceProtocol disconnects any peer whose identify-reported protocol set
// does not include expected: the same policy room peers apply to each
// other, here applied to the relay's own connection set. Deliberately
// duplicated from the overlay package rather than imported, so the relay
// binary carries no room-joining behaviour.
func enforceProtocol(h host.Host, counters *relaymetrics.Counters, p peer.ID, expected protocol.ID) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		protocols, err := h.Peerstore().GetProtocols(p)
		if err == nil && len(protocols) > 0 {
			for _, proto := range protocols {
				if proto == expected {
					return
				}
			}
			slog.Warn("relay: rejecting peer advertising unexpected protocol", "peer", p)
			counters.RecordRejection(p)
			h.Network().ClosePeer(p)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// startKeepAlive pings every connected peer every keepAliveInterval; a
// failed round trip closes the connection so a dead reservation is freed
// promptly.
func startKeepAlive(ctx context.Context, h host.Host, pingService *ping.PingService) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range h.Network().Peers() {
				go pingOnce(ctx, h, pingService, p)
			}
		}
	}
}

func pingOnce(ctx context.Context, h host.Host, pingService *ping.PingService, p peer.ID) {
	pingCtx, cancel := context.WithTimeout(ctx, keepAliveInterval/2)
	defer cancel()
	res := <-pingService.Ping(pingCtx, p)
	if res.Error != nil {
		h.Network().ClosePeer(p)
	}
}
