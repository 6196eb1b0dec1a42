package storage

import (
	"database/sql"
	"fmt"
)

// Schema: four logical tables. Timestamps are REAL seconds since the epoch.
//
// Key semantics:
//   - packet is canonical, keyed (packet_id, from_node_id), first-writer-wins;
//   - packet_seen is one row per reporting gateway, keyed on the gateway's
//     identity string (not every gateway id resolves to a node number),
//     append-only;
//   - node carries per-field-group observation timestamps for the merge;
//   - traceroute route arrays are JSON and are never shortened once written.
func migrate(db *sql.DB) error {
	statements := []struct {
		name  string
		query string
	}{
		{"node", `CREATE TABLE IF NOT EXISTS node (
			node_id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			long_name TEXT NOT NULL DEFAULT '',
			short_name TEXT NOT NULL DEFAULT '',
			hw_model INTEGER NOT NULL DEFAULT 0,
			role INTEGER NOT NULL DEFAULT 0,
			firmware TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			last_lat REAL,
			last_lon REAL,
			last_alt INTEGER,
			last_battery INTEGER,
			last_voltage REAL,
			names_updated_at REAL NOT NULL DEFAULT 0,
			position_updated_at REAL NOT NULL DEFAULT 0,
			telemetry_updated_at REAL NOT NULL DEFAULT 0,
			last_seen REAL NOT NULL DEFAULT 0
		)`},
		{"packet", `CREATE TABLE IF NOT EXISTS packet (
			packet_id INTEGER NOT NULL,
			from_node_id INTEGER NOT NULL,
			to_node_id INTEGER NOT NULL DEFAULT 0,
			channel TEXT NOT NULL DEFAULT '',
			portnum INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL DEFAULT 'unknown',
			payload BLOB,
			encrypted INTEGER NOT NULL DEFAULT 0,
			import_time REAL NOT NULL,
			PRIMARY KEY (packet_id, from_node_id)
		)`},
		{"packet_seen", `CREATE TABLE IF NOT EXISTS packet_seen (
			packet_id INTEGER NOT NULL,
			from_node_id INTEGER NOT NULL,
			gateway_node_id INTEGER NOT NULL,
			gateway_id TEXT NOT NULL DEFAULT '',
			rx_time INTEGER NOT NULL DEFAULT 0,
			rx_snr REAL NOT NULL DEFAULT 0,
			rx_rssi INTEGER NOT NULL DEFAULT 0,
			hop_limit INTEGER NOT NULL DEFAULT 0,
			hop_start INTEGER NOT NULL DEFAULT 0,
			hop_count INTEGER NOT NULL DEFAULT -1,
			channel TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			import_time REAL NOT NULL,
			PRIMARY KEY (packet_id, from_node_id, gateway_id)
		)`},
		{"traceroute", `CREATE TABLE IF NOT EXISTS traceroute (
			packet_id INTEGER NOT NULL,
			from_node_id INTEGER NOT NULL,
			to_node_id INTEGER NOT NULL DEFAULT 0,
			route TEXT NOT NULL DEFAULT '[]',
			route_back TEXT NOT NULL DEFAULT '[]',
			snr_towards TEXT NOT NULL DEFAULT '[]',
			snr_back TEXT NOT NULL DEFAULT '[]',
			import_time REAL NOT NULL,
			updated_at REAL NOT NULL,
			PRIMARY KEY (packet_id, from_node_id)
		)`},
		{"packet from/time index", `CREATE INDEX IF NOT EXISTS idx_packet_from_time ON packet(from_node_id, import_time)`},
		{"packet time index", `CREATE INDEX IF NOT EXISTS idx_packet_import_time ON packet(import_time DESC)`},
		{"packet_seen packet index", `CREATE INDEX IF NOT EXISTS idx_packet_seen_packet ON packet_seen(packet_id)`},
		{"traceroute updated index", `CREATE INDEX IF NOT EXISTS idx_traceroute_updated ON traceroute(updated_at)`},
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt.query); err != nil {
			return fmt.Errorf("storage: migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
