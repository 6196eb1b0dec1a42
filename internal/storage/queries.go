package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
)

// TrafficEntry aggregates how often a node's packets were observed inside a
// time window.
type TrafficEntry struct {
	NodeID      uint32
	LongName    string
	ShortName   string
	PacketCount int64
	TimesSeen   int64
}

// TopTrafficNodes returns the busiest senders inside the window, ordered by
// observation count descending with node id as the deterministic tie-break.
func (s *Store) TopTrafficNodes(ctx context.Context, since time.Time, limit int) ([]TrafficEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
			p.from_node_id,
			COALESCE(n.long_name, ''),
			COALESCE(n.short_name, ''),
			COUNT(DISTINCT p.packet_id) AS packet_count,
			COUNT(ps.packet_id) AS times_seen
		FROM packet p
		JOIN packet_seen ps
			ON ps.packet_id = p.packet_id AND ps.from_node_id = p.from_node_id
		LEFT JOIN node n ON n.node_id = p.from_node_id
		WHERE p.import_time >= ?
		GROUP BY p.from_node_id
		ORDER BY times_seen DESC, p.from_node_id ASC
		LIMIT ?`,
		timeToSeconds(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query top traffic: %w", err)
	}
	defer rows.Close()

	var out []TrafficEntry
	for rows.Next() {
		var (
			entry TrafficEntry
			id    int64
		)
		if err := rows.Scan(&id, &entry.LongName, &entry.ShortName, &entry.PacketCount, &entry.TimesSeen); err != nil {
			return nil, fmt.Errorf("storage: scan traffic entry: %w", err)
		}
		entry.NodeID = uint32(id)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// NodeTraffic returns per-kind packet counts for one sender inside the window.
func (s *Store) NodeTraffic(ctx context.Context, nodeID uint32, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*)
		FROM packet
		WHERE from_node_id = ? AND import_time >= ?
		GROUP BY kind`,
		int64(nodeID), timeToSeconds(since),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query node traffic: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("storage: scan node traffic: %w", err)
		}
		out[kind] = count
	}
	return out, rows.Err()
}

// EdgeSource distinguishes how a graph edge was observed.
type EdgeSource string

const (
	EdgeTraceroute EdgeSource = "traceroute"
	EdgeNeighbor   EdgeSource = "neighbor"
)

// Edge is one directed link in the connectivity graph.
type Edge struct {
	From       uint32
	To         uint32
	Snr        float32
	Source     EdgeSource
	ObservedAt time.Time
}

// GraphEdges reconstructs the connectivity graph from traceroute hops and
// neighbour broadcasts observed since the given time. Duplicate (from, to)
// pairs collapse onto the most recent observation.
func (s *Store) GraphEdges(ctx context.Context, since time.Time) ([]Edge, error) {
	type edgeKey struct{ from, to uint32 }
	latest := make(map[edgeKey]Edge)
	record := func(e Edge) {
		key := edgeKey{e.From, e.To}
		if prev, ok := latest[key]; ok && prev.ObservedAt.After(e.ObservedAt) {
			return
		}
		latest[key] = e
	}

	traces, err := s.Traceroutes(ctx, since, 10000)
	if err != nil {
		return nil, err
	}
	for _, tr := range traces {
		forward := hopPairs(tr.FromNodeID, tr.Route, tr.ToNodeID)
		for i, pair := range forward {
			e := Edge{From: pair[0], To: pair[1], Source: EdgeTraceroute, ObservedAt: tr.UpdatedAt}
			if i < len(tr.SnrTowards) {
				e.Snr = tr.SnrTowards[i]
			}
			record(e)
		}
		if len(tr.RouteBack) > 0 || len(tr.SnrBack) > 0 {
			back := hopPairs(tr.ToNodeID, tr.RouteBack, tr.FromNodeID)
			for i, pair := range back {
				e := Edge{From: pair[0], To: pair[1], Source: EdgeTraceroute, ObservedAt: tr.UpdatedAt}
				if i < len(tr.SnrBack) {
					e.Snr = tr.SnrBack[i]
				}
				record(e)
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT from_node_id, portnum, payload, import_time
		FROM packet
		WHERE kind = ? AND import_time >= ?`,
		decode.KindNeighborInfo.String(), timeToSeconds(since),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query neighbor packets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			from     int64
			portnum  int64
			payload  []byte
			imported float64
		)
		if err := rows.Scan(&from, &portnum, &payload, &imported); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor packet: %w", err)
		}
		rec, err := decode.DecodeRecord(int32(portnum), payload)
		if err != nil {
			// A stored payload that no longer decodes is skipped, not fatal.
			continue
		}
		info, ok := rec.(decode.NeighborInfo)
		if !ok {
			continue
		}
		reporter := info.NodeID
		if reporter == 0 {
			reporter = uint32(from)
		}
		observed := secondsToTime(imported)
		for _, n := range info.Neighbors {
			record(Edge{
				From:       reporter,
				To:         n.NodeID,
				Snr:        n.Snr,
				Source:     EdgeNeighbor,
				ObservedAt: observed,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Edge, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	return out, nil
}

// hopPairs expands origin -> intermediate hops -> destination into directed
// pairs. A zero destination (broadcast or unknown) ends the chain at the last
// intermediate hop.
func hopPairs(origin uint32, hops []uint32, dest uint32) [][2]uint32 {
	chain := make([]uint32, 0, len(hops)+2)
	if origin != 0 {
		chain = append(chain, origin)
	}
	chain = append(chain, hops...)
	if dest != 0 {
		chain = append(chain, dest)
	}

	var pairs [][2]uint32
	for i := 0; i+1 < len(chain); i++ {
		if chain[i] == chain[i+1] {
			continue
		}
		pairs = append(pairs, [2]uint32{chain[i], chain[i+1]})
	}
	return pairs
}

// PacketSummary is a packet row with its observation count, for listings.
type PacketSummary struct {
	PacketID   uint32
	FromNodeID uint32
	ToNodeID   uint32
	Channel    string
	PortNum    int32
	Kind       string
	Encrypted  bool
	SeenCount  int64
	ImportTime time.Time
}

// RecentPackets lists the newest canonical packets, optionally filtered by
// sender (fromNode != 0) or kind (kind != "").
func (s *Store) RecentPackets(ctx context.Context, fromNode uint32, kind string, limit int) ([]PacketSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT p.packet_id, p.from_node_id, p.to_node_id, p.channel, p.portnum, p.kind, p.encrypted, p.import_time,
			(SELECT COUNT(*) FROM packet_seen ps
				WHERE ps.packet_id = p.packet_id AND ps.from_node_id = p.from_node_id)
		FROM packet p WHERE 1=1`
	args := []any{}
	if fromNode != 0 {
		query += ` AND p.from_node_id = ?`
		args = append(args, int64(fromNode))
	}
	if kind != "" {
		query += ` AND p.kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY p.import_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent packets: %w", err)
	}
	defer rows.Close()

	var out []PacketSummary
	for rows.Next() {
		var (
			p               PacketSummary
			pid, from, to   int64
			port, encrypted int64
			imported        float64
		)
		if err := rows.Scan(&pid, &from, &to, &p.Channel, &port, &p.Kind, &encrypted, &imported, &p.SeenCount); err != nil {
			return nil, fmt.Errorf("storage: scan packet: %w", err)
		}
		p.PacketID = uint32(pid)
		p.FromNodeID = uint32(from)
		p.ToNodeID = uint32(to)
		p.PortNum = int32(port)
		p.Encrypted = encrypted != 0
		p.ImportTime = secondsToTime(imported)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ObservationRow is one stored gateway observation.
type ObservationRow struct {
	PacketID      uint32
	FromNodeID    uint32
	GatewayNodeID uint32
	GatewayID     string
	RxTime        uint32
	RxSnr         float32
	RxRssi        int32
	HopLimit      uint32
	HopStart      uint32
	HopCount      int32
	Channel       string
	Topic         string
	ImportTime    time.Time
}

// Observations lists every gateway observation of one logical packet.
func (s *Store) Observations(ctx context.Context, packetID, fromNodeID uint32) ([]ObservationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			packet_id, from_node_id, gateway_node_id, gateway_id, rx_time, rx_snr, rx_rssi,
			hop_limit, hop_start, hop_count, channel, topic, import_time
		FROM packet_seen
		WHERE packet_id = ? AND from_node_id = ?
		ORDER BY import_time ASC`,
		int64(packetID), int64(fromNodeID),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query observations: %w", err)
	}
	defer rows.Close()

	var out []ObservationRow
	for rows.Next() {
		var (
			o                          ObservationRow
			pid, from, gw              int64
			rxTime, rssi               int64
			hopLimit, hopStart, hopCnt int64
			snr                        float64
			imported                   float64
		)
		if err := rows.Scan(&pid, &from, &gw, &o.GatewayID, &rxTime, &snr, &rssi,
			&hopLimit, &hopStart, &hopCnt, &o.Channel, &o.Topic, &imported); err != nil {
			return nil, fmt.Errorf("storage: scan observation: %w", err)
		}
		o.PacketID = uint32(pid)
		o.FromNodeID = uint32(from)
		o.GatewayNodeID = uint32(gw)
		o.RxTime = uint32(rxTime)
		o.RxSnr = float32(snr)
		o.RxRssi = int32(rssi)
		o.HopLimit = uint32(hopLimit)
		o.HopStart = uint32(hopStart)
		o.HopCount = int32(hopCnt)
		o.ImportTime = secondsToTime(imported)
		out = append(out, o)
	}
	return out, rows.Err()
}
