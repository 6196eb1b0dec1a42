package decode

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-rolled wire decoding of the Meshtastic protobuf layers. Only the fields
// this pipeline consumes are parsed; unknown fields are skipped, which keeps
// the decoders forward compatible with newer firmware. Field numbers follow
// mqtt.proto, mesh.proto, and telemetry.proto from the Meshtastic protobufs.

type wireValue struct {
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

// walkFields iterates every field of a message, decoding the value for its
// wire type. Truncated input surfaces as a *Error from the given stage.
func walkFields(stage string, b []byte, visit func(num protowire.Number, typ protowire.Type, val wireValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &Error{Stage: stage, Reason: "malformed tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		var val wireValue
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return &Error{Stage: stage, Reason: "truncated varint", Err: protowire.ParseError(m)}
			}
			val.varint = v
			b = b[m:]
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return &Error{Stage: stage, Reason: "truncated fixed32", Err: protowire.ParseError(m)}
			}
			val.fixed32 = v
			b = b[m:]
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return &Error{Stage: stage, Reason: "truncated fixed64", Err: protowire.ParseError(m)}
			}
			val.fixed64 = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return &Error{Stage: stage, Reason: "truncated length-delimited field", Err: protowire.ParseError(m)}
			}
			val.bytes = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return &Error{Stage: stage, Reason: "unsupported wire type", Err: protowire.ParseError(m)}
			}
			b = b[m:]
			continue
		}

		if err := visit(num, typ, val); err != nil {
			return err
		}
	}
	return nil
}

// packedFixed32 expands a repeated fixed32 field that may arrive packed or as
// a single scalar occurrence.
func packedFixed32(stage string, typ protowire.Type, val wireValue, out []uint32) ([]uint32, error) {
	if typ == protowire.Fixed32Type {
		return append(out, val.fixed32), nil
	}
	b := val.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, &Error{Stage: stage, Reason: "truncated packed fixed32", Err: protowire.ParseError(n)}
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// packedInt32 expands a repeated int32 varint field, packed or scalar.
func packedInt32(stage string, typ protowire.Type, val wireValue, out []int32) ([]int32, error) {
	if typ == protowire.VarintType {
		return append(out, int32(uint32(val.varint))), nil
	}
	b := val.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, &Error{Stage: stage, Reason: "truncated packed varint", Err: protowire.ParseError(n)}
		}
		out = append(out, int32(uint32(v)))
		b = b[n:]
	}
	return out, nil
}

type serviceEnvelope struct {
	packet    []byte
	channelID string
	gatewayID string
}

func parseServiceEnvelope(b []byte) (serviceEnvelope, error) {
	var env serviceEnvelope
	err := walkFields("service_envelope", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			env.packet = val.bytes
		case 2:
			env.channelID = string(val.bytes)
		case 3:
			env.gatewayID = string(val.bytes)
		}
		return nil
	})
	return env, err
}

type meshPacket struct {
	from       uint32
	to         uint32
	channel    uint32
	decoded    []byte
	hasDecoded bool
	encrypted  []byte
	id         uint32
	rxTime     uint32
	rxSnr      float32
	hopLimit   uint32
	wantAck    bool
	rxRssi     int32
	viaMQTT    bool
	hopStart   uint32
}

func parseMeshPacket(b []byte) (meshPacket, error) {
	var pkt meshPacket
	err := walkFields("mesh_packet", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			pkt.from = val.fixed32
		case 2:
			pkt.to = val.fixed32
		case 3:
			pkt.channel = uint32(val.varint)
		case 4:
			pkt.decoded = val.bytes
			pkt.hasDecoded = true
		case 5:
			pkt.encrypted = val.bytes
		case 6:
			pkt.id = val.fixed32
		case 7:
			pkt.rxTime = val.fixed32
		case 8:
			pkt.rxSnr = math.Float32frombits(val.fixed32)
		case 9:
			pkt.hopLimit = uint32(val.varint)
		case 10:
			pkt.wantAck = val.varint != 0
		case 12:
			pkt.rxRssi = int32(uint32(val.varint))
		case 14:
			pkt.viaMQTT = val.varint != 0
		case 15:
			pkt.hopStart = uint32(val.varint)
		}
		return nil
	})
	return pkt, err
}

type dataPayload struct {
	portnum      int32
	payload      []byte
	wantResponse bool
	requestID    uint32
	replyID      uint32
}

func parseData(b []byte) (dataPayload, error) {
	var d dataPayload
	err := walkFields("data", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			d.portnum = int32(uint32(val.varint))
		case 2:
			d.payload = val.bytes
		case 3:
			d.wantResponse = val.varint != 0
		case 6:
			d.requestID = val.fixed32
		case 7:
			d.replyID = val.fixed32
		}
		return nil
	})
	return d, err
}

func parseUser(b []byte) (NodeInfo, error) {
	var info NodeInfo
	err := walkFields("user", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			info.UserID = string(val.bytes)
		case 2:
			info.LongName = string(val.bytes)
		case 3:
			info.ShortName = string(val.bytes)
		case 5:
			info.HWModel = int32(uint32(val.varint))
		case 6:
			info.IsLicensed = val.varint != 0
		case 7:
			info.Role = int32(uint32(val.varint))
		}
		return nil
	})
	return info, err
}

// degreeScale converts the integer 1e-7 degree representation used on the wire.
const degreeScale = 1e-7

func parsePosition(b []byte) (Position, error) {
	var pos Position
	err := walkFields("position", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			pos.Latitude = float64(int32(val.fixed32)) * degreeScale
		case 2:
			pos.Longitude = float64(int32(val.fixed32)) * degreeScale
		case 3:
			pos.Altitude = int32(uint32(val.varint))
		case 4:
			pos.Time = val.fixed32
		}
		return nil
	})
	return pos, err
}

func parseTelemetry(b []byte) (Telemetry, error) {
	var tel Telemetry
	err := walkFields("telemetry", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			tel.Time = val.fixed32
		case 2:
			return walkFields("device_metrics", val.bytes, func(num protowire.Number, typ protowire.Type, val wireValue) error {
				switch num {
				case 1:
					tel.BatteryLevel = uint32(val.varint)
				case 2:
					tel.Voltage = math.Float32frombits(val.fixed32)
				case 3:
					tel.ChannelUtil = math.Float32frombits(val.fixed32)
				case 4:
					tel.AirUtilTx = math.Float32frombits(val.fixed32)
				case 5:
					tel.UptimeSeconds = uint32(val.varint)
				}
				return nil
			})
		}
		return nil
	})
	return tel, err
}

// snrScale is the fixed-point scaling of per-hop SNR values on the wire.
const snrScale = 4

func parseRouteDiscovery(b []byte) (RouteDiscovery, error) {
	var rd RouteDiscovery
	err := walkFields("route_discovery", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		var err error
		switch num {
		case 1:
			rd.Route, err = packedFixed32("route_discovery", typ, val, rd.Route)
		case 2:
			var raw []int32
			if raw, err = packedInt32("route_discovery", typ, val, nil); err == nil {
				rd.SnrTowards = append(rd.SnrTowards, unscaleSnr(raw)...)
			}
		case 3:
			rd.RouteBack, err = packedFixed32("route_discovery", typ, val, rd.RouteBack)
		case 4:
			var raw []int32
			if raw, err = packedInt32("route_discovery", typ, val, nil); err == nil {
				rd.SnrBack = append(rd.SnrBack, unscaleSnr(raw)...)
			}
		}
		return err
	})
	return rd, err
}

func unscaleSnr(raw []int32) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v) / snrScale
	}
	return out
}

func parseNeighborInfo(b []byte) (NeighborInfo, error) {
	var info NeighborInfo
	err := walkFields("neighbor_info", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			info.NodeID = uint32(val.varint)
		case 2:
			info.LastSentByID = uint32(val.varint)
		case 3:
			info.BroadcastSecs = uint32(val.varint)
		case 4:
			var n Neighbor
			err := walkFields("neighbor", val.bytes, func(num protowire.Number, typ protowire.Type, val wireValue) error {
				switch num {
				case 1:
					n.NodeID = uint32(val.varint)
				case 2:
					n.Snr = math.Float32frombits(val.fixed32)
				case 3:
					n.LastRxTime = val.fixed32
				}
				return nil
			})
			if err != nil {
				return err
			}
			info.Neighbors = append(info.Neighbors, n)
		}
		return nil
	})
	return info, err
}

func parseRouting(b []byte) (Routing, error) {
	var r Routing
	err := walkFields("routing", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		if num == 3 {
			r.ErrorReason = int32(uint32(val.varint))
		}
		return nil
	})
	return r, err
}

func parseMapReport(b []byte) (MapReport, error) {
	var mr MapReport
	err := walkFields("map_report", b, func(num protowire.Number, typ protowire.Type, val wireValue) error {
		switch num {
		case 1:
			mr.LongName = string(val.bytes)
		case 2:
			mr.ShortName = string(val.bytes)
		case 3:
			mr.Role = int32(uint32(val.varint))
		case 4:
			mr.HWModel = int32(uint32(val.varint))
		case 5:
			mr.FirmwareVersion = string(val.bytes)
		case 9:
			mr.Latitude = float64(int32(val.fixed32)) * degreeScale
		case 10:
			mr.Longitude = float64(int32(val.fixed32)) * degreeScale
		case 11:
			mr.Altitude = int32(uint32(val.varint))
		}
		return nil
	})
	return mr, err
}
