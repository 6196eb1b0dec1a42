package decode

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic layout is <region>/<subregion>/<gateway>/<channel>, exactly four
// segments. The envelope's own gateway and channel identifiers take precedence
// over the topic when present; the topic is the fallback for bridges that
// publish bare envelopes.
const topicSegments = 4

// TopicMeta is routing metadata recovered from the MQTT topic string.
type TopicMeta struct {
	Gateway string
	Channel string
}

// ParseTopic validates the topic shape and extracts gateway and channel.
func ParseTopic(topic string) (TopicMeta, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != topicSegments {
		return TopicMeta{}, &Error{Stage: "topic", Reason: fmt.Sprintf("expected %d segments, got %d", topicSegments, len(parts))}
	}
	for i, p := range parts {
		if strings.TrimSpace(p) == "" {
			return TopicMeta{}, &Error{Stage: "topic", Reason: fmt.Sprintf("empty segment at index %d", i)}
		}
	}
	return TopicMeta{Gateway: parts[2], Channel: parts[3]}, nil
}

// GatewayNodeID converts a gateway identifier of the form "!89abcdef" (or bare
// hex) into its numeric node id. Non-hex gateway names report ok=false.
func GatewayNodeID(gatewayID string) (uint32, bool) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(gatewayID), "!")
	if trimmed == "" {
		return 0, false
	}
	value, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(value), true
}

// NodeHexID renders a numeric node id in the mesh's "!89abcdef" notation.
func NodeHexID(nodeID uint32) string {
	return fmt.Sprintf("!%08x", nodeID)
}
