package decode

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DefaultChannelKey is the well-known key of the default public channel.
const DefaultChannelKey = "1PG7OiApB1nwvP+rz05pAQ=="

// ChannelKey decrypts payloads encrypted with a pre-shared channel key.
type ChannelKey struct {
	key []byte
}

// ParseChannelKey decodes a base64 channel key. An empty string yields a nil
// key, meaning encrypted payloads stay opaque.
func ParseChannelKey(encoded string) (*ChannelKey, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: channel key is not valid base64: %w", err)
	}
	switch len(key) {
	case 16, 32:
	default:
		return nil, fmt.Errorf("decode: channel key must be 16 or 32 bytes, got %d", len(key))
	}
	return &ChannelKey{key: key}, nil
}

// Decrypt applies AES-CTR with the mesh nonce: packet id and sending node id,
// each as 8 little-endian bytes.
func (k *ChannelKey) Decrypt(packetID, fromNodeID uint32, ciphertext []byte) ([]byte, error) {
	if k == nil || len(k.key) == 0 {
		return nil, fmt.Errorf("decode: no channel key configured")
	}

	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(nonce[8:16], uint64(fromNodeID))

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("decode: init cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
