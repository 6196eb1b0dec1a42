package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TracerouteRecord is one reconstructed route discovery. Route and SnrTowards
// describe the forward direction; RouteBack and SnrBack arrive later with the
// response and are attached to the same row.
type TracerouteRecord struct {
	PacketID   uint32
	FromNodeID uint32
	ToNodeID   uint32
	Route      []uint32
	RouteBack  []uint32
	SnrTowards []float32
	SnrBack    []float32
	ImportTime time.Time
}

// TracerouteResult reports what SaveTraceroute changed. RouteConflict means a
// forward route arrived for a row that already holds a different forward
// route; the stored route is kept.
type TracerouteResult struct {
	Inserted       bool
	ReturnAttached bool
	RouteConflict  bool
}

// SaveTraceroute persists a route discovery. The first forward route recorded
// for (packet_id, from_node_id) wins; later conflicting forward routes are
// ignored and flagged. A return route is attached once and never overwrites
// an existing one, and may arrive before the forward route is known.
func (s *Store) SaveTraceroute(ctx context.Context, rec TracerouteRecord) (TracerouteResult, error) {
	var result TracerouteResult

	routeJSON, err := encodeRoute(rec.Route)
	if err != nil {
		return result, err
	}
	snrTowardsJSON, err := encodeSnr(rec.SnrTowards)
	if err != nil {
		return result, err
	}
	imported := timeToSeconds(rec.ImportTime)

	res, err := s.db.ExecContext(ctx, `INSERT INTO traceroute (
			packet_id, from_node_id, to_node_id, route, snr_towards, import_time, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(packet_id, from_node_id) DO NOTHING`,
		int64(rec.PacketID),
		int64(rec.FromNodeID),
		int64(rec.ToNodeID),
		routeJSON,
		snrTowardsJSON,
		imported,
		imported,
	)
	if err != nil {
		return result, fmt.Errorf("storage: insert traceroute: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		result.Inserted = true
	}

	if !result.Inserted && len(rec.Route) > 0 {
		var existing string
		err := s.db.QueryRowContext(ctx, `SELECT route FROM traceroute
			WHERE packet_id = ? AND from_node_id = ?`,
			int64(rec.PacketID), int64(rec.FromNodeID),
		).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return result, fmt.Errorf("storage: read stored route: %w", err)
		}
		if existing == "[]" {
			// The response got here first; fill in the forward leg.
			if _, err := s.db.ExecContext(ctx, `UPDATE traceroute
				SET route = ?, snr_towards = ?, updated_at = ?
				WHERE packet_id = ? AND from_node_id = ? AND route = '[]'`,
				routeJSON, snrTowardsJSON, imported,
				int64(rec.PacketID), int64(rec.FromNodeID),
			); err != nil {
				return result, fmt.Errorf("storage: attach forward route: %w", err)
			}
		} else if existing != routeJSON {
			result.RouteConflict = true
		}
	}

	if len(rec.RouteBack) > 0 || len(rec.SnrBack) > 0 {
		backJSON, err := encodeRoute(rec.RouteBack)
		if err != nil {
			return result, err
		}
		snrBackJSON, err := encodeSnr(rec.SnrBack)
		if err != nil {
			return result, err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE traceroute
			SET route_back = ?, snr_back = ?, updated_at = ?
			WHERE packet_id = ? AND from_node_id = ? AND route_back = '[]'`,
			backJSON, snrBackJSON, imported,
			int64(rec.PacketID), int64(rec.FromNodeID),
		)
		if err != nil {
			return result, fmt.Errorf("storage: attach return route: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			result.ReturnAttached = true
		}
	}

	return result, nil
}

// TracerouteRow is a stored traceroute with decoded route arrays.
type TracerouteRow struct {
	PacketID   uint32
	FromNodeID uint32
	ToNodeID   uint32
	Route      []uint32
	RouteBack  []uint32
	SnrTowards []float32
	SnrBack    []float32
	ImportTime time.Time
	UpdatedAt  time.Time
}

// Traceroutes returns traceroutes updated since the given time, newest first.
func (s *Store) Traceroutes(ctx context.Context, since time.Time, limit int) ([]TracerouteRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
			packet_id, from_node_id, to_node_id, route, route_back, snr_towards, snr_back, import_time, updated_at
		FROM traceroute
		WHERE updated_at >= ?
		ORDER BY updated_at DESC
		LIMIT ?`,
		timeToSeconds(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query traceroutes: %w", err)
	}
	defer rows.Close()

	var out []TracerouteRow
	for rows.Next() {
		var (
			row                     TracerouteRow
			pid, from, to           int64
			route, back, snrT, snrB string
			imported, updated       float64
		)
		if err := rows.Scan(&pid, &from, &to, &route, &back, &snrT, &snrB, &imported, &updated); err != nil {
			return nil, fmt.Errorf("storage: scan traceroute: %w", err)
		}
		row.PacketID = uint32(pid)
		row.FromNodeID = uint32(from)
		row.ToNodeID = uint32(to)
		row.ImportTime = secondsToTime(imported)
		row.UpdatedAt = secondsToTime(updated)
		if err := json.Unmarshal([]byte(route), &row.Route); err != nil {
			return nil, fmt.Errorf("storage: decode route: %w", err)
		}
		if err := json.Unmarshal([]byte(back), &row.RouteBack); err != nil {
			return nil, fmt.Errorf("storage: decode route_back: %w", err)
		}
		if err := json.Unmarshal([]byte(snrT), &row.SnrTowards); err != nil {
			return nil, fmt.Errorf("storage: decode snr_towards: %w", err)
		}
		if err := json.Unmarshal([]byte(snrB), &row.SnrBack); err != nil {
			return nil, fmt.Errorf("storage: decode snr_back: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func encodeRoute(route []uint32) (string, error) {
	if len(route) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(route)
	if err != nil {
		return "", fmt.Errorf("storage: encode route: %w", err)
	}
	return string(raw), nil
}

func encodeSnr(snr []float32) (string, error) {
	if len(snr) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(snr)
	if err != nil {
		return "", fmt.Errorf("storage: encode snr: %w", err)
	}
	return string(raw), nil
}
