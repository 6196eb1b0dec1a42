// Package testutil builds Meshtastic wire payloads for tests, layer by
// layer, using the same protowire primitives the decoder consumes.
package testutil

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataSpec describes an inner Data payload.
type DataSpec struct {
	Portnum      int32
	Payload      []byte
	WantResponse bool
	RequestID    uint32
	ReplyID      uint32
}

// EnvelopeSpec describes a full service envelope with its mesh packet.
// Exactly one of Decoded (marshalled Data) or Encrypted should be set.
type EnvelopeSpec struct {
	ChannelID string
	GatewayID string

	PacketID uint32
	From     uint32
	To       uint32
	Channel  uint32
	HopLimit uint32
	HopStart uint32
	RxTime   uint32
	RxSnr    float32
	RxRssi   int32
	WantAck  bool
	ViaMQTT  bool

	Decoded   []byte
	Encrypted []byte
}

// BuildData marshals a Data payload.
func BuildData(spec DataSpec) []byte {
	var b []byte
	if spec.Portnum != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(spec.Portnum)))
	}
	if len(spec.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, spec.Payload)
	}
	if spec.WantResponse {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if spec.RequestID != 0 {
		b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, spec.RequestID)
	}
	if spec.ReplyID != 0 {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, spec.ReplyID)
	}
	return b
}

// BuildServiceEnvelope marshals the outer envelope around a mesh packet.
func BuildServiceEnvelope(spec EnvelopeSpec) []byte {
	packet := buildMeshPacket(spec)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packet)
	if spec.ChannelID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, spec.ChannelID)
	}
	if spec.GatewayID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, spec.GatewayID)
	}
	return b
}

func buildMeshPacket(spec EnvelopeSpec) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, spec.From)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, spec.To)
	if spec.Channel != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(spec.Channel))
	}
	if spec.Decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, spec.Decoded)
	}
	if spec.Encrypted != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, spec.Encrypted)
	}
	b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, spec.PacketID)
	if spec.RxTime != 0 {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, spec.RxTime)
	}
	if spec.RxSnr != 0 {
		b = protowire.AppendTag(b, 8, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(spec.RxSnr))
	}
	if spec.HopLimit != 0 {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(spec.HopLimit))
	}
	if spec.WantAck {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if spec.RxRssi != 0 {
		b = protowire.AppendTag(b, 12, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(spec.RxRssi)))
	}
	if spec.ViaMQTT {
		b = protowire.AppendTag(b, 14, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if spec.HopStart != 0 {
		b = protowire.AppendTag(b, 15, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(spec.HopStart))
	}
	return b
}

// BuildUser marshals a User identity payload.
func BuildUser(userID, longName, shortName string, hwModel, role int32) []byte {
	var b []byte
	if userID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, userID)
	}
	if longName != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, longName)
	}
	if shortName != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, shortName)
	}
	if hwModel != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(hwModel)))
	}
	if role != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(role)))
	}
	return b
}

// BuildPosition marshals a Position payload from decimal degrees.
func BuildPosition(lat, lon float64, altitude int32, when uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(int32(lat*1e7)))
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(int32(lon*1e7)))
	if altitude != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(altitude)))
	}
	if when != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, when)
	}
	return b
}

// BuildTelemetry marshals a Telemetry payload with device metrics.
func BuildTelemetry(when, battery uint32, voltage float32) []byte {
	var metrics []byte
	if battery != 0 {
		metrics = protowire.AppendTag(metrics, 1, protowire.VarintType)
		metrics = protowire.AppendVarint(metrics, uint64(battery))
	}
	if voltage != 0 {
		metrics = protowire.AppendTag(metrics, 2, protowire.Fixed32Type)
		metrics = protowire.AppendFixed32(metrics, math.Float32bits(voltage))
	}

	var b []byte
	if when != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, when)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, metrics)
	return b
}

// BuildRouteDiscovery marshals a RouteDiscovery payload. SNR values are in
// decibels and scaled onto the wire representation here.
func BuildRouteDiscovery(route []uint32, snrTowards []float32, routeBack []uint32, snrBack []float32) []byte {
	var b []byte
	for _, hop := range route {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, hop)
	}
	for _, snr := range snrTowards {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(int32(snr*4))))
	}
	for _, hop := range routeBack {
		b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, hop)
	}
	for _, snr := range snrBack {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(int32(snr*4))))
	}
	return b
}

// NeighborSpec describes one neighbour entry.
type NeighborSpec struct {
	NodeID     uint32
	Snr        float32
	LastRxTime uint32
}

// BuildNeighborInfo marshals a NeighborInfo payload.
func BuildNeighborInfo(nodeID uint32, neighbors []NeighborSpec) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(nodeID))
	for _, n := range neighbors {
		var nb []byte
		nb = protowire.AppendTag(nb, 1, protowire.VarintType)
		nb = protowire.AppendVarint(nb, uint64(n.NodeID))
		if n.Snr != 0 {
			nb = protowire.AppendTag(nb, 2, protowire.Fixed32Type)
			nb = protowire.AppendFixed32(nb, math.Float32bits(n.Snr))
		}
		if n.LastRxTime != 0 {
			nb = protowire.AppendTag(nb, 3, protowire.Fixed32Type)
			nb = protowire.AppendFixed32(nb, n.LastRxTime)
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, nb)
	}
	return b
}

// BuildMapReport marshals a MapReport payload.
func BuildMapReport(longName, shortName, firmware string, lat, lon float64) []byte {
	var b []byte
	if longName != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, longName)
	}
	if shortName != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, shortName)
	}
	if firmware != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, firmware)
	}
	if lat != 0 || lon != 0 {
		b = protowire.AppendTag(b, 9, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(int32(lat*1e7)))
		b = protowire.AppendTag(b, 10, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(int32(lon*1e7)))
	}
	return b
}

// BytesRepeating creates a slice filled with a repeated byte.
func BytesRepeating(b byte, count int) []byte {
	buf := make([]byte, count)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
