package relaymetrics

import (
	"bytes"
	"testing"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	c := &Counters{}
	c.ConnectedPeers.Store(3)
	c.ActiveReservations.Store(2)
	c.ActiveCircuits.Store(1)
	c.RecordRejection("")
	c.RecordRejection("")

	snap := c.Snapshot()
	if snap.ConnectedPeers != 3 || snap.ActiveReservations != 2 || snap.ActiveCircuits != 1 || snap.RejectedPeers != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRenderDoesNotPanicOnZeroCounters(t *testing.T) {
	var buf bytes.Buffer
	render(&buf, Snapshot{})
	if buf.Len() == 0 {
		t.Fatal("expected render to write output")
	}
}
