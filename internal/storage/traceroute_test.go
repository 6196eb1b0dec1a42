package storage

import (
	"context"
	"testing"
	"time"
)

func TestSaveTracerouteForwardThenReturn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	forward := TracerouteRecord{
		PacketID:   500,
		FromNodeID: 0x10,
		ToNodeID:   0x30,
		Route:      []uint32{0x20},
		SnrTowards: []float32{7.5},
		ImportTime: now,
	}
	result, err := s.SaveTraceroute(ctx, forward)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !result.Inserted {
		t.Fatalf("forward result = %+v", result)
	}

	ret := TracerouteRecord{
		PacketID:   500,
		FromNodeID: 0x10,
		RouteBack:  []uint32{0x20},
		SnrBack:    []float32{6.0},
		ImportTime: now.Add(time.Second),
	}
	result, err = s.SaveTraceroute(ctx, ret)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if !result.ReturnAttached {
		t.Fatalf("return result = %+v", result)
	}

	rows, err := s.Traceroutes(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("traceroutes: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if len(row.Route) != 1 || row.Route[0] != 0x20 {
		t.Fatalf("route = %v", row.Route)
	}
	if len(row.RouteBack) != 1 || row.RouteBack[0] != 0x20 {
		t.Fatalf("route_back = %v", row.RouteBack)
	}
	if len(row.SnrBack) != 1 || row.SnrBack[0] != 6.0 {
		t.Fatalf("snr_back = %v", row.SnrBack)
	}
}

func TestSaveTracerouteConflictKeepsFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	first := TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		Route:      []uint32{0x20, 0x21},
		ImportTime: now,
	}
	if _, err := s.SaveTraceroute(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	conflicting := TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		Route:      []uint32{0x99},
		ImportTime: now.Add(time.Second),
	}
	result, err := s.SaveTraceroute(ctx, conflicting)
	if err != nil {
		t.Fatalf("conflict: %v", err)
	}
	if !result.RouteConflict {
		t.Fatalf("result = %+v, want RouteConflict", result)
	}

	rows, err := s.Traceroutes(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("traceroutes: %v", err)
	}
	if len(rows[0].Route) != 2 || rows[0].Route[0] != 0x20 {
		t.Fatalf("stored route was replaced: %v", rows[0].Route)
	}
}

func TestSaveTracerouteIdenticalRedeliveryIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	rec := TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		Route:      []uint32{0x20},
		ImportTime: now,
	}
	if _, err := s.SaveTraceroute(ctx, rec); err != nil {
		t.Fatalf("first: %v", err)
	}
	result, err := s.SaveTraceroute(ctx, rec)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result.Inserted || result.RouteConflict {
		t.Fatalf("identical redelivery flagged: %+v", result)
	}
}

func TestSaveTracerouteReturnBeforeForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	ret := TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		RouteBack:  []uint32{0x21},
		ImportTime: now,
	}
	result, err := s.SaveTraceroute(ctx, ret)
	if err != nil {
		t.Fatalf("return first: %v", err)
	}
	if !result.Inserted || !result.ReturnAttached {
		t.Fatalf("result = %+v", result)
	}

	forward := TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		Route:      []uint32{0x20},
		ImportTime: now.Add(time.Second),
	}
	if _, err := s.SaveTraceroute(ctx, forward); err != nil {
		t.Fatalf("late forward: %v", err)
	}

	rows, err := s.Traceroutes(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("traceroutes: %v", err)
	}
	row := rows[0]
	if len(row.Route) != 1 || row.Route[0] != 0x20 {
		t.Fatalf("forward leg missing: %v", row.Route)
	}
	if len(row.RouteBack) != 1 || row.RouteBack[0] != 0x21 {
		t.Fatalf("return leg lost: %v", row.RouteBack)
	}
}

func TestSaveTracerouteSecondReturnIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	if _, err := s.SaveTraceroute(ctx, TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		Route: []uint32{0x20}, RouteBack: []uint32{0x21},
		ImportTime: now,
	}); err != nil {
		t.Fatalf("first: %v", err)
	}

	result, err := s.SaveTraceroute(ctx, TracerouteRecord{
		PacketID: 500, FromNodeID: 0x10,
		RouteBack:  []uint32{0x99},
		ImportTime: now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("second return: %v", err)
	}
	if result.ReturnAttached {
		t.Fatal("second return route must not overwrite the first")
	}

	rows, err := s.Traceroutes(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("traceroutes: %v", err)
	}
	if rows[0].RouteBack[0] != 0x21 {
		t.Fatalf("route_back = %v", rows[0].RouteBack)
	}
}
