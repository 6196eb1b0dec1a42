package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshsink/meshsink/internal/hub"
	"github.com/meshsink/meshsink/internal/observability"
	"github.com/meshsink/meshsink/internal/storage"
)

type readerStub struct {
	node    *storage.NodeRow
	gotNode uint32
	packets []storage.PacketSummary
	traffic []storage.TrafficEntry
	edges   []storage.Edge
}

func (r *readerStub) GetNode(_ context.Context, nodeID uint32) (*storage.NodeRow, error) {
	r.gotNode = nodeID
	return r.node, nil
}

func (r *readerStub) RecentPackets(context.Context, uint32, string, int) ([]storage.PacketSummary, error) {
	return r.packets, nil
}

func (r *readerStub) Observations(context.Context, uint32, uint32) ([]storage.ObservationRow, error) {
	return nil, nil
}

func (r *readerStub) TopTrafficNodes(context.Context, time.Time, int) ([]storage.TrafficEntry, error) {
	return r.traffic, nil
}

func (r *readerStub) NodeTraffic(context.Context, uint32, time.Time) (map[string]int64, error) {
	return map[string]int64{"text": 3}, nil
}

func (r *readerStub) GraphEdges(context.Context, time.Time) ([]storage.Edge, error) {
	return r.edges, nil
}

func (r *readerStub) Traceroutes(context.Context, time.Time, int) ([]storage.TracerouteRow, error) {
	return nil, nil
}

func newTestServer(t *testing.T, reader Reader, fanout *hub.Hub) *httptest.Server {
	t.Helper()
	srv, err := NewServer(Config{}, reader, fanout,
		WithLogger(observability.NoOpLogger()),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func TestHandleNode(t *testing.T) {
	lat, lon := 48.2, 16.37
	reader := &readerStub{node: &storage.NodeRow{
		NodeID:    0x1234,
		LongName:  "Alpha",
		ShortName: "AL",
		Latitude:  &lat,
		Longitude: &lon,
		LastSeen:  time.Unix(1700000000, 0),
	}}
	ts := newTestServer(t, reader, nil)

	var body map[string]any
	resp := getJSON(t, ts.URL+"/api/nodes/!00001234", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["long_name"] != "Alpha" || body["node"] != "!00001234" {
		t.Fatalf("body = %v", body)
	}
	if body["latitude"] != 48.2 {
		t.Fatalf("latitude = %v", body["latitude"])
	}
}

func TestHandleNodeDecimalID(t *testing.T) {
	reader := &readerStub{node: &storage.NodeRow{NodeID: 4660, LongName: "Alpha"}}
	ts := newTestServer(t, reader, nil)

	// An all-digit id is decimal, not bare hex: /api/nodes/42 is node 42.
	resp := getJSON(t, ts.URL+"/api/nodes/4660", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if reader.gotNode != 4660 {
		t.Fatalf("reader queried node %d, want 4660", reader.gotNode)
	}
}

func TestHandleNodeNotFound(t *testing.T) {
	ts := newTestServer(t, &readerStub{}, nil)

	resp := getJSON(t, ts.URL+"/api/nodes/!00009999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleNodeBadID(t *testing.T) {
	ts := newTestServer(t, &readerStub{}, nil)

	resp := getJSON(t, ts.URL+"/api/nodes/garbage!", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleTopTraffic(t *testing.T) {
	reader := &readerStub{traffic: []storage.TrafficEntry{
		{NodeID: 0x10, LongName: "Alpha", PacketCount: 5, TimesSeen: 12},
	}}
	ts := newTestServer(t, reader, nil)

	var body struct {
		Nodes []map[string]any `json:"nodes"`
	}
	resp := getJSON(t, ts.URL+"/api/traffic/top?hours=24&limit=5", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.Nodes) != 1 || body.Nodes[0]["node"] != "!00000010" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandleGraph(t *testing.T) {
	reader := &readerStub{edges: []storage.Edge{
		{From: 0x10, To: 0x20, Snr: 7.5, Source: storage.EdgeTraceroute, ObservedAt: time.Unix(1700000000, 0)},
	}}
	ts := newTestServer(t, reader, nil)

	var body struct {
		Edges []map[string]any `json:"edges"`
	}
	resp := getJSON(t, ts.URL+"/api/graph", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.Edges) != 1 || body.Edges[0]["source"] != "traceroute" {
		t.Fatalf("body = %+v", body)
	}
}

func TestLiveStream(t *testing.T) {
	fanout := hub.New()
	defer fanout.Close()
	ts := newTestServer(t, &readerStub{}, fanout)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait until the subscription is attached before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for fanout.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fanout.Publish(hub.Event{
		ReceivedAt: time.Unix(1700000000, 0),
		PacketID:   42,
		FromNodeID: 0x10,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event["packet_id"] != float64(42) || event["from"] != "!00000010" {
		t.Fatalf("event = %v", event)
	}
}

func TestLiveDisabledWithoutHub(t *testing.T) {
	ts := newTestServer(t, &readerStub{}, nil)

	resp := getJSON(t, ts.URL+"/live", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
