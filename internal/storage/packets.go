package storage

import (
	"context"
	"fmt"
	"time"
)

// PacketRecord is the canonical row for a logical packet. The mesh-assigned
// packet id is only unique together with the sending node id.
type PacketRecord struct {
	PacketID   uint32
	FromNodeID uint32
	ToNodeID   uint32
	Channel    string
	PortNum    int32
	Kind       string
	Payload    []byte
	Encrypted  bool
	ImportTime time.Time
}

// Observation is one gateway's report of having relayed a logical packet.
// GatewayID is the reporting gateway's raw identity and keys the dedup;
// GatewayNodeID is the derived node number and is 0 when the identity does
// not resolve to one.
type Observation struct {
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

// RecordResult reports what RecordPacket actually changed. A false
// SeenInserted means the observation was a duplicate delivery (dedup no-op).
type RecordResult struct {
	PacketInserted bool
	SeenInserted   bool
	PacketEnriched bool
}

// RecordPacket inserts the canonical packet at most once and records the
// observation idempotently. Calling it N times with identical content leaves
// the same state as one call; a different reporting gateway adds exactly one
// packet_seen row.
func (s *Store) RecordPacket(ctx context.Context, pkt PacketRecord, seen Observation) (RecordResult, error) {
	var result RecordResult

	res, err := s.db.ExecContext(ctx, `INSERT INTO packet (
			packet_id, from_node_id, to_node_id, channel, portnum, kind, payload, encrypted, import_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(packet_id, from_node_id) DO NOTHING`,
		int64(pkt.PacketID),
		int64(pkt.FromNodeID),
		int64(pkt.ToNodeID),
		pkt.Channel,
		int64(pkt.PortNum),
		pkt.Kind,
		pkt.Payload,
		boolToInt(pkt.Encrypted),
		timeToSeconds(pkt.ImportTime),
	)
	if err != nil {
		return result, fmt.Errorf("storage: insert packet: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		result.PacketInserted = true
	}

	// A duplicate delivery that decoded (different key path) may enrich a
	// canonical row recorded as opaque. Append-only: never overwrite a
	// decoded payload.
	if !result.PacketInserted && !pkt.Encrypted {
		res, err := s.db.ExecContext(ctx, `UPDATE packet
			SET portnum = ?, kind = ?, payload = ?, encrypted = 0
			WHERE packet_id = ? AND from_node_id = ? AND encrypted = 1`,
			int64(pkt.PortNum),
			pkt.Kind,
			pkt.Payload,
			int64(pkt.PacketID),
			int64(pkt.FromNodeID),
		)
		if err != nil {
			return result, fmt.Errorf("storage: enrich packet: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			result.PacketEnriched = true
		}
	}

	res, err = s.db.ExecContext(ctx, `INSERT INTO packet_seen (
			packet_id, from_node_id, gateway_node_id, gateway_id, rx_time, rx_snr, rx_rssi,
			hop_limit, hop_start, hop_count, channel, topic, import_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(packet_id, from_node_id, gateway_id) DO NOTHING`,
		int64(seen.PacketID),
		int64(seen.FromNodeID),
		int64(seen.GatewayNodeID),
		seen.GatewayID,
		int64(seen.RxTime),
		float64(seen.RxSnr),
		int64(seen.RxRssi),
		int64(seen.HopLimit),
		int64(seen.HopStart),
		int64(seen.HopCount),
		seen.Channel,
		seen.Topic,
		timeToSeconds(seen.ImportTime),
	)
	if err != nil {
		return result, fmt.Errorf("storage: insert packet_seen: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		result.SeenInserted = true
	}

	return result, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
