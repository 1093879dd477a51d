// Package codec provides the deterministic encoding used to fingerprint
// template versions. Two logically equal values always encode to the same
// bytes, so fingerprints are stable across processes and restarts.
package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// fingerprintLength is the number of digest bytes kept in a fingerprint.
const fingerprintLength = 16

// Fingerprint hashes the deterministic encoding of parts with BLAKE3 and
// returns a short hex token.
func Fingerprint(parts ...any) (string, error) {
	hasher := blake3.New()
	for i, part := range parts {
		encoded, err := Marshal(part)
		if err != nil {
			return "", fmt.Errorf("encode fingerprint part %d: %w", i, err)
		}
		if _, err := hasher.Write(encoded); err != nil {
			return "", fmt.Errorf("hash fingerprint part %d: %w", i, err)
		}
	}
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:fingerprintLength]), nil
}
