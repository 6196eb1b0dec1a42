package decode

import "testing"

func TestParseTopic(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		gateway string
		channel string
		wantErr bool
	}{
		{name: "valid", topic: "region/sub/gatewayA/1234", gateway: "gatewayA", channel: "1234"},
		{name: "hex gateway", topic: "msh/EU_868/!89abcdef/LongFast", gateway: "!89abcdef", channel: "LongFast"},
		{name: "too few segments", topic: "region/gateway/chan", wantErr: true},
		{name: "too many segments", topic: "a/b/c/d/e", wantErr: true},
		{name: "empty segment", topic: "region//gateway/chan", wantErr: true},
		{name: "empty topic", topic: "", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta, err := ParseTopic(tc.topic)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for topic %q", tc.topic)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if meta.Gateway != tc.gateway {
				t.Fatalf("gateway = %q, want %q", meta.Gateway, tc.gateway)
			}
			if meta.Channel != tc.channel {
				t.Fatalf("channel = %q, want %q", meta.Channel, tc.channel)
			}
		})
	}
}

func TestGatewayNodeID(t *testing.T) {
	cases := []struct {
		raw string
		id  uint32
		ok  bool
	}{
		{raw: "!89abcdef", id: 0x89abcdef, ok: true},
		{raw: "12345678", id: 0x12345678, ok: true},
		{raw: "!0000000a", id: 10, ok: true},
		{raw: "gatewayA", ok: false},
		{raw: "!", ok: false},
		{raw: "", ok: false},
	}

	for _, tc := range cases {
		id, ok := GatewayNodeID(tc.raw)
		if ok != tc.ok || id != tc.id {
			t.Errorf("GatewayNodeID(%q) = (%#x, %v), want (%#x, %v)", tc.raw, id, ok, tc.id, tc.ok)
		}
	}
}

func TestNodeHexID(t *testing.T) {
	if got := NodeHexID(0x89abcdef); got != "!89abcdef" {
		t.Fatalf("NodeHexID = %q, want !89abcdef", got)
	}
	if got := NodeHexID(10); got != "!0000000a" {
		t.Fatalf("NodeHexID = %q, want !0000000a", got)
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	const id = uint32(0x04f3c2d1)
	back, ok := GatewayNodeID(NodeHexID(id))
	if !ok || back != id {
		t.Fatalf("round trip gave (%#x, %v)", back, ok)
	}
}
