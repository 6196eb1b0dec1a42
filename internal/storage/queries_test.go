package storage

import (
	"context"
	"testing"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/testutil"
)

func recordObservation(t *testing.T, s *Store, packetID, from, gateway uint32, at time.Time) {
	t.Helper()
	pkt, seen := testPacket(packetID, from)
	pkt.ImportTime = at
	seen.ImportTime = at
	seen.GatewayNodeID = gateway
	if _, err := s.RecordPacket(context.Background(), pkt, seen); err != nil {
		t.Fatalf("record packet %d/%d: %v", packetID, from, err)
	}
}

func TestTopTrafficNodesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Node 0x20: two packets, each seen by one gateway = 2 observations.
	recordObservation(t, s, 1, 0x20, 0xa1, now)
	recordObservation(t, s, 2, 0x20, 0xa1, now)
	// Node 0x10: one packet seen by three gateways = 3 observations.
	recordObservation(t, s, 3, 0x10, 0xa1, now)
	recordObservation(t, s, 3, 0x10, 0xa2, now)
	recordObservation(t, s, 3, 0x10, 0xa3, now)
	// Node 0x30: two observations, ties with 0x20; lower id sorts first.
	recordObservation(t, s, 4, 0x30, 0xa1, now)
	recordObservation(t, s, 4, 0x30, 0xa2, now)
	// Outside the window.
	recordObservation(t, s, 5, 0x40, 0xa1, now.Add(-48*time.Hour))

	entries, err := s.TopTrafficNodes(ctx, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("top traffic: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}
	if entries[0].NodeID != 0x10 || entries[0].TimesSeen != 3 {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	// 0x20 and 0x30 both have 2 observations; node id breaks the tie.
	if entries[1].NodeID != 0x20 || entries[2].NodeID != 0x30 {
		t.Fatalf("tie-break order wrong: %+v", entries[1:])
	}
	if entries[0].PacketCount != 1 || entries[1].PacketCount != 2 {
		t.Fatalf("packet counts wrong: %+v", entries[:2])
	}
}

func TestTopTrafficNodesCarriesNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.MergeNode(ctx, NodeUpdate{
		NodeID: 0x10, ObservedAt: now,
		Identity: &NodeIdentity{LongName: "Alpha", ShortName: "AL"},
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	recordObservation(t, s, 1, 0x10, 0xa1, now)

	entries, err := s.TopTrafficNodes(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("top traffic: %v", err)
	}
	if len(entries) != 1 || entries[0].LongName != "Alpha" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestNodeTraffic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recordObservation(t, s, 1, 0x10, 0xa1, now)
	recordObservation(t, s, 2, 0x10, 0xa1, now)
	recordObservation(t, s, 3, 0x20, 0xa1, now)

	traffic, err := s.NodeTraffic(ctx, 0x10, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("node traffic: %v", err)
	}
	if traffic["text"] != 2 {
		t.Fatalf("traffic = %v", traffic)
	}
}

func TestGraphEdgesFromTraceroute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.SaveTraceroute(ctx, TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10, ToNodeID: 0x30,
		Route:      []uint32{0x20},
		SnrTowards: []float32{7.5, 3.0},
		ImportTime: now,
	}); err != nil {
		t.Fatalf("save traceroute: %v", err)
	}

	edges, err := s.GraphEdges(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("graph edges: %v", err)
	}
	// 0x10 -> 0x20 -> 0x30.
	if len(edges) != 2 {
		t.Fatalf("got %d edges, want 2: %+v", len(edges), edges)
	}
	seen := map[[2]uint32]bool{}
	for _, e := range edges {
		if e.Source != EdgeTraceroute {
			t.Fatalf("edge source = %q", e.Source)
		}
		seen[[2]uint32{e.From, e.To}] = true
	}
	if !seen[[2]uint32{0x10, 0x20}] || !seen[[2]uint32{0x20, 0x30}] {
		t.Fatalf("edges = %+v", edges)
	}
}

func TestGraphEdgesFromNeighborInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	payload := testutil.BuildNeighborInfo(0x10, []testutil.NeighborSpec{
		{NodeID: 0x20, Snr: 9.5},
		{NodeID: 0x30, Snr: -1.25},
	})
	pkt, seen := testPacket(700, 0x10)
	pkt.PortNum = decode.PortNeighborInfo
	pkt.Kind = decode.KindNeighborInfo.String()
	pkt.Payload = payload
	pkt.ImportTime = now
	seen.ImportTime = now
	if _, err := s.RecordPacket(ctx, pkt, seen); err != nil {
		t.Fatalf("record: %v", err)
	}

	edges, err := s.GraphEdges(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("graph edges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("got %d edges, want 2: %+v", len(edges), edges)
	}
	for _, e := range edges {
		if e.From != 0x10 || e.Source != EdgeNeighbor {
			t.Fatalf("edge = %+v", e)
		}
	}
}
