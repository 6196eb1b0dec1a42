package paths

import (
	"context"
	"testing"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/observability"
	"github.com/meshsink/meshsink/internal/storage"
)

type saverStub struct {
	records []storage.TracerouteRecord
	result  storage.TracerouteResult
}

func (s *saverStub) SaveTraceroute(_ context.Context, rec storage.TracerouteRecord) (storage.TracerouteResult, error) {
	s.records = append(s.records, rec)
	return s.result, nil
}

func requestEnvelope() decode.Envelope {
	return decode.Envelope{
		PacketID:     500,
		From:         0x10,
		To:           0x30,
		WantResponse: true,
		Record: decode.RouteDiscovery{
			Route:      []uint32{0x20},
			SnrTowards: []float32{7.5},
		},
	}
}

func responseEnvelope() decode.Envelope {
	// The response travels 0x30 -> 0x10 and echoes the request id.
	return decode.Envelope{
		PacketID:  900,
		From:      0x30,
		To:        0x10,
		RequestID: 500,
		Record: decode.RouteDiscovery{
			Route:     []uint32{0x20},
			RouteBack: []uint32{0x21},
			SnrBack:   []float32{4.0},
		},
	}
}

func TestHandleRequestKeysUnderOwnPacket(t *testing.T) {
	saver := &saverStub{result: storage.TracerouteResult{Inserted: true}}
	a := NewAssembler(saver, WithLogger(observability.NoOpLogger()))

	result, err := a.Handle(context.Background(), requestEnvelope(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Response {
		t.Fatal("request misclassified as response")
	}
	if result.RouteID != 500 {
		t.Fatalf("route id = %d", result.RouteID)
	}

	rec := saver.records[0]
	if rec.PacketID != 500 || rec.FromNodeID != 0x10 || rec.ToNodeID != 0x30 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestHandleResponseKeysUnderRequest(t *testing.T) {
	saver := &saverStub{result: storage.TracerouteResult{ReturnAttached: true}}
	a := NewAssembler(saver, WithLogger(observability.NoOpLogger()))

	result, err := a.Handle(context.Background(), responseEnvelope(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Response {
		t.Fatal("response not recognised")
	}
	if result.RouteID != 500 {
		t.Fatalf("route id = %d, want the echoed request id", result.RouteID)
	}

	rec := saver.records[0]
	// Keyed as the original exchange: requester 0x10 towards 0x30.
	if rec.PacketID != 500 || rec.FromNodeID != 0x10 || rec.ToNodeID != 0x30 {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.RouteBack) != 1 || rec.RouteBack[0] != 0x21 {
		t.Fatalf("route back = %v", rec.RouteBack)
	}
}

func TestHandleCountsAnomalies(t *testing.T) {
	saver := &saverStub{result: storage.TracerouteResult{RouteConflict: true}}
	a := NewAssembler(saver, WithLogger(observability.NoOpLogger()))

	if _, err := a.Handle(context.Background(), requestEnvelope(), time.Now()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if a.Anomalies() != 1 {
		t.Fatalf("anomalies = %d, want 1", a.Anomalies())
	}
}

func TestHandleRejectsWrongRecord(t *testing.T) {
	a := NewAssembler(&saverStub{}, WithLogger(observability.NoOpLogger()))

	env := decode.Envelope{PacketID: 1, Record: decode.TextMessage{Text: "hi"}}
	if _, err := a.Handle(context.Background(), env, time.Now()); err == nil {
		t.Fatal("expected error for non-traceroute record")
	}
}
