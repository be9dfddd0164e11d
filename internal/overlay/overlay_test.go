package overlay

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

func TestSplitDirectAndCircuitSeparatesAddrs(t *testing.T) {
	direct, err := ma.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	if err != nil {
		t.Fatal(err)
	}
	relay, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N/p2p-circuit")
	if err != nil {
		t.Fatal(err)
	}

	pid := peer.ID("peer-under-test")
	directInfo, circuitInfo := splitDirectAndCircuit(peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{direct, relay}})

	if len(directInfo.Addrs) != 1 || !directInfo.Addrs[0].Equal(direct) {
		t.Fatalf("expected exactly the direct addr, got %+v", directInfo.Addrs)
	}
	if len(circuitInfo.Addrs) != 1 || !circuitInfo.Addrs[0].Equal(relay) {
		t.Fatalf("expected exactly the circuit addr, got %+v", circuitInfo.Addrs)
	}
	if directInfo.ID != pid || circuitInfo.ID != pid {
		t.Fatal("expected both splits to retain the original peer id")
	}
}

func TestIsCircuitAddrDetectsP2PCircuit(t *testing.T) {
	relay, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N/p2p-circuit")
	if err != nil {
		t.Fatal(err)
	}
	direct, err := ma.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	if err != nil {
		t.Fatal(err)
	}

	if !isCircuitAddr(relay) {
		t.Fatal("expected relay addr to be recognized as a circuit addr")
	}
	if isCircuitAddr(direct) {
		t.Fatal("expected direct addr to not be recognized as a circuit addr")
	}
}

func TestDefaultListenAddrsIncludesTCPAndQUIC(t *testing.T) {
	addrs, err := defaultListenAddrs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 default listen addrs, got %d", len(addrs))
	}
}
