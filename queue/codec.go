package queue

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
)

// Codec turns payload values into the bytes a Store keeps and back.
// Equal values must encode to equal bytes: fingerprints are taken over them.
type Codec interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONCodec writes with encoding/json, whose sorted map keys keep
// fingerprints stable, and reads with sonic.
type JSONCodec struct{}

var defaultCodec Codec = JSONCodec{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v any) error { return sonic.Unmarshal(data, v) }

// Fingerprint returns the de-duplication key of a payload.
func Fingerprint(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}
