package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/hub"
)

const (
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
)

var errNoLiveStream = errors.New("live stream disabled")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only telemetry; origin restrictions add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// liveEvent is the wire form of one hub event.
type liveEvent struct {
	ReceivedAt string `json:"received_at"`
	PacketID   uint32 `json:"packet_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Kind       string `json:"kind"`
	PortNum    int32  `json:"portnum"`
	Channel    string `json:"channel,omitempty"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`

	Gateway     string `json:"gateway"`
	GatewayName string `json:"gateway_name,omitempty"`
	HopCount    int32  `json:"hop_count"`
	RxSnr       float32 `json:"rx_snr"`
	RxRssi      int32  `json:"rx_rssi"`

	FromLongName  string   `json:"from_long_name,omitempty"`
	FromShortName string   `json:"from_short_name,omitempty"`
	DistanceM     *float64 `json:"distance_m,omitempty"`

	Payload any `json:"payload,omitempty"`
}

// handleLive upgrades the connection and streams hub events until the client
// goes away. Each client has its own bounded queue inside the hub; a slow
// client silently loses its oldest events instead of slowing the pipeline.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.fanout == nil {
		httpError(w, http.StatusNotFound, errNoLiveStream)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.fanout.Subscribe()
	defer sub.Cancel()
	defer conn.Close()

	// Discard client frames but notice the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(toLiveEvent(event)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func toLiveEvent(event hub.Event) liveEvent {
	out := liveEvent{
		ReceivedAt:    event.ReceivedAt.UTC().Format(time.RFC3339Nano),
		PacketID:      event.PacketID,
		From:          decode.NodeHexID(event.FromNodeID),
		To:            decode.NodeHexID(event.ToNodeID),
		Kind:          event.Kind.String(),
		PortNum:       event.PortNum,
		Channel:       event.Channel,
		Encrypted:     event.Encrypted,
		Duplicate:     event.Duplicate,
		Gateway:       decode.NodeHexID(event.GatewayNodeID),
		GatewayName:   event.GatewayLong,
		HopCount:      event.HopCount,
		RxSnr:         event.RxSnr,
		RxRssi:        event.RxRssi,
		FromLongName:  event.FromLongName,
		FromShortName: event.FromShortName,
		DistanceM:     event.DistanceMeters,
	}
	if event.Record != nil {
		out.Payload = event.Record
	}
	return out
}
