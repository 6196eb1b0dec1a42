package decode

import (
	"context"

	"github.com/meshsink/meshsink/internal/mqtt"
)

// Config controls envelope decoding.
type Config struct {
	// ChannelKeyBase64 is the pre-shared key tried against encrypted
	// payloads. Empty disables decryption; such payloads are recorded as
	// opaque observations.
	ChannelKeyBase64 string

	// MaxEnvelopeBytes rejects oversized payloads before parsing. Zero
	// applies the default.
	MaxEnvelopeBytes int
}

const defaultMaxEnvelopeBytes = 256 * 1024

// Decoder converts raw MQTT messages into parsed envelopes.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (Envelope, error)
}

// EnvelopeDecoder parses the topic, the outer service envelope, the mesh
// packet header, and the inner application payload. It is stateless and safe
// for concurrent use across decode workers.
type EnvelopeDecoder struct {
	key      *ChannelKey
	maxBytes int
}

// NewEnvelopeDecoder constructs a decoder. An invalid channel key is a
// configuration error and fails construction.
func NewEnvelopeDecoder(cfg Config) (EnvelopeDecoder, error) {
	key, err := ParseChannelKey(cfg.ChannelKeyBase64)
	if err != nil {
		return EnvelopeDecoder{}, err
	}
	maxBytes := cfg.MaxEnvelopeBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxEnvelopeBytes
	}
	return EnvelopeDecoder{key: key, maxBytes: maxBytes}, nil
}

// Decode parses one raw message. Malformed input returns a *Error; an
// encrypted payload with no applicable key returns a valid envelope with
// Encrypted set and no Record, which is expected steady-state behaviour.
func (d EnvelopeDecoder) Decode(_ context.Context, msg mqtt.Message) (Envelope, error) {
	if len(msg.Payload) == 0 {
		return Envelope{}, &Error{Stage: "envelope", Reason: "empty payload"}
	}
	if len(msg.Payload) > d.maxBytes {
		return Envelope{}, &Error{Stage: "envelope", Reason: "payload exceeds size limit"}
	}

	meta, topicErr := ParseTopic(msg.Topic)

	outer, err := parseServiceEnvelope(msg.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if len(outer.packet) == 0 {
		return Envelope{}, &Error{Stage: "envelope", Reason: "missing mesh packet"}
	}

	pkt, err := parseMeshPacket(outer.packet)
	if err != nil {
		return Envelope{}, err
	}
	if pkt.id == 0 {
		return Envelope{}, &Error{Stage: "mesh_packet", Reason: "missing packet id"}
	}

	env := Envelope{
		Topic:        msg.Topic,
		ReceivedAt:   msg.ReceivedAt,
		GatewayID:    outer.gatewayID,
		Channel:      outer.channelID,
		PacketID:     pkt.id,
		From:         pkt.from,
		To:           pkt.to,
		ChannelIndex: pkt.channel,
		HopLimit:     pkt.hopLimit,
		HopStart:     pkt.hopStart,
		RxTime:       pkt.rxTime,
		RxSnr:        pkt.rxSnr,
		RxRssi:       pkt.rxRssi,
		WantAck:      pkt.wantAck,
		ViaMQTT:      pkt.viaMQTT,
	}

	// The envelope's own identity wins; the topic covers bridges that omit it.
	if env.GatewayID == "" {
		if topicErr != nil {
			return Envelope{}, topicErr
		}
		env.GatewayID = meta.Gateway
	}
	if env.Channel == "" && topicErr == nil {
		env.Channel = meta.Channel
	}
	if id, ok := GatewayNodeID(env.GatewayID); ok {
		env.GatewayNodeID = id
	}

	inner := pkt.decoded
	if !pkt.hasDecoded {
		plain, ok := d.tryDecrypt(pkt)
		if !ok {
			env.Encrypted = true
			env.Payload = append([]byte(nil), pkt.encrypted...)
			return env, nil
		}
		inner = plain
	}

	data, err := parseData(inner)
	if err != nil || data.portnum == 0 {
		if pkt.hasDecoded {
			if err == nil {
				err = &Error{Stage: "data", Reason: "missing port number"}
			}
			return Envelope{}, err
		}
		// Wrong key produces garbage; treat it the same as no key.
		env.Encrypted = true
		env.Payload = append([]byte(nil), pkt.encrypted...)
		return env, nil
	}

	env.PortNum = data.portnum
	env.WantResponse = data.wantResponse
	env.RequestID = data.requestID
	env.Payload = append([]byte(nil), data.payload...)

	record, err := decodeRecord(data.portnum, data.payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Record = record

	return env, nil
}

func (d EnvelopeDecoder) tryDecrypt(pkt meshPacket) ([]byte, bool) {
	if d.key == nil || len(pkt.encrypted) == 0 {
		return nil, false
	}
	plain, err := d.key.Decrypt(pkt.id, pkt.from, pkt.encrypted)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// DecodeRecord re-runs the kind-specific decoder for a stored payload, e.g.
// when rebuilding neighbour edges from the packet table.
func DecodeRecord(portnum int32, payload []byte) (Record, error) {
	return decodeRecord(portnum, payload)
}

// decodeRecord runs the kind-specific decoder for the port number. Unknown
// ports yield a nil Record without error and are recorded but otherwise
// ignored; a truncated payload for a known port is a decode failure.
func decodeRecord(portnum int32, payload []byte) (Record, error) {
	switch KindForPort(portnum) {
	case KindText:
		return TextMessage{Text: string(payload)}, nil
	case KindPosition:
		return orNil(parsePosition(payload))
	case KindNodeInfo:
		return orNil(parseUser(payload))
	case KindTelemetry:
		return orNil(parseTelemetry(payload))
	case KindTraceroute:
		return orNil(parseRouteDiscovery(payload))
	case KindNeighborInfo:
		return orNil(parseNeighborInfo(payload))
	case KindRouting:
		return orNil(parseRouting(payload))
	case KindMapReport:
		return orNil(parseMapReport(payload))
	default:
		return nil, nil
	}
}

func orNil[T Record](record T, err error) (Record, error) {
	if err != nil {
		return nil, err
	}
	return record, nil
}
