package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// NodeIdentity is the identity field group of a node observation.
type NodeIdentity struct {
	UserID    string
	LongName  string
	ShortName string
	HWModel   int32
	Role      int32
	Firmware  string
	Channel   string
}

// NodePosition is the position field group of a node observation.
type NodePosition struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
}

// NodeTelemetry is the telemetry field group of a node observation.
type NodeTelemetry struct {
	BatteryLevel uint32
	Voltage      float32
}

// NodeUpdate carries one observation's contribution to a node's aggregate
// state. Nil groups leave their fields untouched.
type NodeUpdate struct {
	NodeID     uint32
	ObservedAt time.Time
	Identity   *NodeIdentity
	Position   *NodePosition
	Telemetry  *NodeTelemetry
}

// MergeNode applies a field-level last-write-wins merge. Each field group is
// updated iff the observation is at least as new as the group's last update
// (ties favour the newer write attempt, keeping retries idempotent), and no
// observation ever clears a previously known field. last_seen advances
// unconditionally to the max of its current value and the observation time.
//
// Serialization is per node row: the conditional upsert is an atomic
// compare-and-set on the row's group timestamps, so concurrent workers
// merging different nodes never contend.
func (s *Store) MergeNode(ctx context.Context, upd NodeUpdate) error {
	if upd.NodeID == 0 {
		return nil
	}
	observed := timeToSeconds(upd.ObservedAt)

	if _, err := s.db.ExecContext(ctx, `INSERT INTO node (node_id, last_seen)
		VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			last_seen = MAX(node.last_seen, excluded.last_seen)`,
		int64(upd.NodeID), observed,
	); err != nil {
		return fmt.Errorf("storage: advance last_seen: %w", err)
	}

	if upd.Identity != nil {
		id := upd.Identity
		if _, err := s.db.ExecContext(ctx, `INSERT INTO node (
				node_id, user_id, long_name, short_name, hw_model, role, firmware, channel, names_updated_at, last_seen
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				user_id    = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.user_id    != '' THEN excluded.user_id    ELSE node.user_id    END,
				long_name  = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.long_name  != '' THEN excluded.long_name  ELSE node.long_name  END,
				short_name = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.short_name != '' THEN excluded.short_name ELSE node.short_name END,
				hw_model   = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.hw_model   != 0  THEN excluded.hw_model   ELSE node.hw_model   END,
				role       = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.role       != 0  THEN excluded.role       ELSE node.role       END,
				firmware   = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.firmware   != '' THEN excluded.firmware   ELSE node.firmware   END,
				channel    = CASE WHEN excluded.names_updated_at >= node.names_updated_at AND excluded.channel    != '' THEN excluded.channel    ELSE node.channel    END,
				names_updated_at = MAX(node.names_updated_at, excluded.names_updated_at),
				last_seen = MAX(node.last_seen, excluded.last_seen)`,
			int64(upd.NodeID),
			id.UserID, id.LongName, id.ShortName,
			int64(id.HWModel), int64(id.Role),
			id.Firmware, id.Channel,
			observed, observed,
		); err != nil {
			return fmt.Errorf("storage: merge node identity: %w", err)
		}
		s.cache.setIdentity(upd.NodeID, id.LongName, id.ShortName, observed)
	}

	if upd.Position != nil {
		pos := upd.Position
		if _, err := s.db.ExecContext(ctx, `INSERT INTO node (
				node_id, last_lat, last_lon, last_alt, position_updated_at, last_seen
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				last_lat = CASE WHEN excluded.position_updated_at >= node.position_updated_at THEN excluded.last_lat ELSE node.last_lat END,
				last_lon = CASE WHEN excluded.position_updated_at >= node.position_updated_at THEN excluded.last_lon ELSE node.last_lon END,
				last_alt = CASE WHEN excluded.position_updated_at >= node.position_updated_at THEN excluded.last_alt ELSE node.last_alt END,
				position_updated_at = MAX(node.position_updated_at, excluded.position_updated_at),
				last_seen = MAX(node.last_seen, excluded.last_seen)`,
			int64(upd.NodeID),
			pos.Latitude, pos.Longitude, int64(pos.Altitude),
			observed, observed,
		); err != nil {
			return fmt.Errorf("storage: merge node position: %w", err)
		}
		s.cache.setPosition(upd.NodeID, pos.Latitude, pos.Longitude, observed)
	}

	if upd.Telemetry != nil {
		tel := upd.Telemetry
		if _, err := s.db.ExecContext(ctx, `INSERT INTO node (
				node_id, last_battery, last_voltage, telemetry_updated_at, last_seen
			) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				last_battery = CASE WHEN excluded.telemetry_updated_at >= node.telemetry_updated_at THEN excluded.last_battery ELSE node.last_battery END,
				last_voltage = CASE WHEN excluded.telemetry_updated_at >= node.telemetry_updated_at THEN excluded.last_voltage ELSE node.last_voltage END,
				telemetry_updated_at = MAX(node.telemetry_updated_at, excluded.telemetry_updated_at),
				last_seen = MAX(node.last_seen, excluded.last_seen)`,
			int64(upd.NodeID),
			int64(tel.BatteryLevel), float64(tel.Voltage),
			observed, observed,
		); err != nil {
			return fmt.Errorf("storage: merge node telemetry: %w", err)
		}
	}

	return nil
}

// NodeRow is a node's merged aggregate state.
type NodeRow struct {
	NodeID       uint32
	UserID       string
	LongName     string
	ShortName    string
	HWModel      int32
	Role         int32
	Firmware     string
	Channel      string
	Latitude     *float64
	Longitude    *float64
	Altitude     *int64
	BatteryLevel *int64
	Voltage      *float64
	LastSeen     time.Time
}

// GetNode returns the merged state for one node, or nil when unknown.
func (s *Store) GetNode(ctx context.Context, nodeID uint32) (*NodeRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
			node_id, user_id, long_name, short_name, hw_model, role, firmware, channel,
			last_lat, last_lon, last_alt, last_battery, last_voltage, last_seen
		FROM node WHERE node_id = ?`, int64(nodeID))

	var (
		n        NodeRow
		id       int64
		hw, role int64
		lat, lon sql.NullFloat64
		alt, bat sql.NullInt64
		volt     sql.NullFloat64
		lastSeen float64
	)
	err := row.Scan(&id, &n.UserID, &n.LongName, &n.ShortName, &hw, &role, &n.Firmware, &n.Channel,
		&lat, &lon, &alt, &bat, &volt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get node: %w", err)
	}

	n.NodeID = uint32(id)
	n.HWModel = int32(hw)
	n.Role = int32(role)
	n.LastSeen = secondsToTime(lastSeen)
	if lat.Valid {
		n.Latitude = &lat.Float64
	}
	if lon.Valid {
		n.Longitude = &lon.Float64
	}
	if alt.Valid {
		n.Altitude = &alt.Int64
	}
	if bat.Valid {
		n.BatteryLevel = &bat.Int64
	}
	if volt.Valid {
		n.Voltage = &volt.Float64
	}
	return &n, nil
}

// NodeName is the cached display identity used to annotate live events.
type NodeName struct {
	LongName  string
	ShortName string
}

// DisplayName resolves a node's cached display name.
func (s *Store) DisplayName(nodeID uint32) (NodeName, bool) {
	return s.cache.name(nodeID)
}

// LastPosition resolves a node's cached position, reporting ok=false when no
// position has ever been observed.
func (s *Store) LastPosition(nodeID uint32) (lat, lon float64, ok bool) {
	return s.cache.position(nodeID)
}

// nodeCache mirrors the display names and last positions of known nodes so
// the hot path never queries the database to annotate an event.
type nodeCacheEntry struct {
	longName  string
	shortName string
	namesAt   float64

	lat, lon float64
	hasPos   bool
	posAt    float64
}

type nodeCache struct {
	mu    sync.RWMutex
	nodes map[uint32]*nodeCacheEntry
}

func newNodeCache() *nodeCache {
	return &nodeCache{nodes: make(map[uint32]*nodeCacheEntry)}
}

func (c *nodeCache) load(db *sql.DB) error {
	rows, err := db.Query(`SELECT node_id, long_name, short_name, names_updated_at,
			last_lat, last_lon, position_updated_at
		FROM node`)
	if err != nil {
		return fmt.Errorf("node cache query: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	for rows.Next() {
		var (
			id             int64
			long, short    string
			namesAt, posAt float64
			lat, lon       sql.NullFloat64
		)
		if err := rows.Scan(&id, &long, &short, &namesAt, &lat, &lon, &posAt); err != nil {
			return fmt.Errorf("node cache scan: %w", err)
		}
		entry := &nodeCacheEntry{
			longName:  long,
			shortName: short,
			namesAt:   namesAt,
		}
		if lat.Valid && lon.Valid {
			entry.lat, entry.lon = lat.Float64, lon.Float64
			entry.hasPos = true
			entry.posAt = posAt
		}
		c.nodes[uint32(id)] = entry
	}
	return rows.Err()
}

func (c *nodeCache) entry(nodeID uint32) *nodeCacheEntry {
	if e, ok := c.nodes[nodeID]; ok {
		return e
	}
	e := &nodeCacheEntry{}
	c.nodes[nodeID] = e
	return e
}

func (c *nodeCache) setIdentity(nodeID uint32, long, short string, observedAt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(nodeID)
	if observedAt < e.namesAt {
		return
	}
	if long != "" {
		e.longName = long
	}
	if short != "" {
		e.shortName = short
	}
	e.namesAt = observedAt
}

func (c *nodeCache) setPosition(nodeID uint32, lat, lon float64, observedAt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(nodeID)
	if observedAt < e.posAt {
		return
	}
	e.lat, e.lon = lat, lon
	e.hasPos = true
	e.posAt = observedAt
}

func (c *nodeCache) name(nodeID uint32) (NodeName, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.nodes[nodeID]
	if !ok || (e.longName == "" && e.shortName == "") {
		return NodeName{}, false
	}
	return NodeName{LongName: e.longName, ShortName: e.shortName}, true
}

func (c *nodeCache) position(nodeID uint32) (float64, float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.nodes[nodeID]
	if !ok || !e.hasPos {
		return 0, 0, false
	}
	return e.lat, e.lon, true
}
