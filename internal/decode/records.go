package decode

import "time"

// Kind identifies the application payload carried by a mesh packet.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindPosition
	KindTelemetry
	KindNodeInfo
	KindTraceroute
	KindNeighborInfo
	KindRouting
	KindMapReport
)

// String returns the stable name used in logs, metrics, and stored rows.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPosition:
		return "position"
	case KindTelemetry:
		return "telemetry"
	case KindNodeInfo:
		return "nodeinfo"
	case KindTraceroute:
		return "traceroute"
	case KindNeighborInfo:
		return "neighborinfo"
	case KindRouting:
		return "routing"
	case KindMapReport:
		return "map_report"
	default:
		return "unknown"
	}
}

// Meshtastic port numbers for the applications this pipeline understands.
// Values follow portnums.proto.
const (
	PortTextMessage  = 1
	PortPosition     = 3
	PortNodeInfo     = 4
	PortRouting      = 5
	PortTelemetry    = 67
	PortTraceroute   = 70
	PortNeighborInfo = 71
	PortMapReport    = 73
)

// KindForPort maps a port number onto a Kind. Unlisted ports map to KindUnknown
// and are carried through the pipeline without semantic processing.
func KindForPort(port int32) Kind {
	switch port {
	case PortTextMessage:
		return KindText
	case PortPosition:
		return KindPosition
	case PortNodeInfo:
		return KindNodeInfo
	case PortRouting:
		return KindRouting
	case PortTelemetry:
		return KindTelemetry
	case PortTraceroute:
		return KindTraceroute
	case PortNeighborInfo:
		return KindNeighborInfo
	case PortMapReport:
		return KindMapReport
	default:
		return KindUnknown
	}
}

// Record is the normalized payload of one message kind.
type Record interface {
	Kind() Kind
}

// TextMessage is a plain-text chat payload.
type TextMessage struct {
	Text string
}

func (TextMessage) Kind() Kind { return KindText }

// Position is a reported node location. Latitude/longitude are decimal degrees.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
	Time      uint32
}

func (Position) Kind() Kind { return KindPosition }

// Telemetry carries device metrics from a telemetry broadcast.
type Telemetry struct {
	Time          uint32
	BatteryLevel  uint32
	Voltage       float32
	ChannelUtil   float32
	AirUtilTx     float32
	UptimeSeconds uint32
}

func (Telemetry) Kind() Kind { return KindTelemetry }

// NodeInfo is a node identity broadcast (the User protobuf).
type NodeInfo struct {
	UserID     string
	LongName   string
	ShortName  string
	HWModel    int32
	Role       int32
	IsLicensed bool
}

func (NodeInfo) Kind() Kind { return KindNodeInfo }

// RouteDiscovery is a traceroute request or response payload.
// SNR values are decibels, already unscaled from the wire representation.
type RouteDiscovery struct {
	Route      []uint32
	SnrTowards []float32
	RouteBack  []uint32
	SnrBack    []float32
}

func (RouteDiscovery) Kind() Kind { return KindTraceroute }

// Neighbor is one directly reachable peer reported in a neighbor list.
type Neighbor struct {
	NodeID     uint32
	Snr        float32
	LastRxTime uint32
}

// NeighborInfo is a periodic broadcast listing directly reachable peers.
type NeighborInfo struct {
	NodeID        uint32
	LastSentByID  uint32
	BroadcastSecs uint32
	Neighbors     []Neighbor
}

func (NeighborInfo) Kind() Kind { return KindNeighborInfo }

// Routing is a routing control or acknowledgement payload.
type Routing struct {
	ErrorReason int32
}

func (Routing) Kind() Kind { return KindRouting }

// MapReport is a self-reported node summary published for map services.
type MapReport struct {
	LongName        string
	ShortName       string
	Role            int32
	HWModel         int32
	FirmwareVersion string
	Latitude        float64
	Longitude       float64
	Altitude        int32
}

func (MapReport) Kind() Kind { return KindMapReport }

// Envelope is a fully parsed service envelope: routing metadata from the topic
// and outer envelope, the mesh packet header, and the decoded inner record.
//
// PacketID is assigned by the sending node and is only unique together with
// From; independent senders reuse identifier values.
type Envelope struct {
	Topic      string
	ReceivedAt time.Time

	GatewayID     string
	GatewayNodeID uint32
	Channel       string

	PacketID     uint32
	From         uint32
	To           uint32
	ChannelIndex uint32
	HopLimit     uint32
	HopStart     uint32
	RxTime       uint32
	RxSnr        float32
	RxRssi       int32
	WantAck      bool
	ViaMQTT      bool

	// Data header fields, needed for traceroute request/response correlation.
	PortNum      int32
	WantResponse bool
	RequestID    uint32

	// Encrypted marks a payload that could not be decrypted with any
	// configured key. Payload then holds the ciphertext and Record is nil.
	Encrypted bool
	Payload   []byte
	Record    Record
}

// HopCount derives the number of hops a packet took, when the header allows it.
func (e Envelope) HopCount() int32 {
	if e.HopStart == 0 || e.HopStart < e.HopLimit {
		return -1
	}
	return int32(e.HopStart - e.HopLimit)
}
