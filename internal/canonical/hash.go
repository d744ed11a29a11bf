// Package canonical implements deterministic JSON canonicalization and
// content hashing shared by every audit hash in the engine (input_hash,
// output_hash, content_hash, config_hash, source_data_hash, contract
// versions).
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ErrNotSerializable is returned when a value cannot be canonicalized:
// NaN, +/-Inf, or a Go value with no stable JSON representation.
type ErrNotSerializable struct {
	Reason string
}

func (e *ErrNotSerializable) Error() string {
	return fmt.Sprintf("canonical: value is not serializable: %s", e.Reason)
}

// Canonicalize walks an arbitrary JSON-ish value (the result of
// json.Unmarshal into interface{}, or plain maps/slices/scalars) and
// produces an RFC-8785-style canonical form: object keys sorted, no
// insignificant whitespace, floats rejected if non-finite.
func Canonicalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, string:
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, &ErrNotSerializable{Reason: "NaN or Inf float value"}
		}
		return val, nil
	case int, int32, int64, uint, uint32, uint64:
		return val, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			canon, err := Canonicalize(sub)
			if err != nil {
				return nil, err
			}
			out[k] = canon
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			canon, err := Canonicalize(sub)
			if err != nil {
				return nil, err
			}
			out[i] = canon
		}
		return out, nil
	default:
		// Round-trip through JSON to normalize structs/maps of concrete types
		// into the interface{} shape above.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, &ErrNotSerializable{Reason: err.Error()}
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, &ErrNotSerializable{Reason: err.Error()}
		}
		return Canonicalize(generic)
	}
}

// Encode produces the canonical JSON byte encoding of v: object keys sorted
// lexicographically at every level, compact (no extra whitespace).
func Encode(v interface{}) ([]byte, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = encodeValue(buf, canon)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeValue(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	case float64:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyEnc...)
			buf = append(buf, ':')
			buf, err = encodeValue(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf = append(buf, '[')
		for i, sub := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = encodeValue(buf, sub)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	}
}

// Hash returns the sha256 digest of v's canonical encoding as "sha256:<hex>".
// This is the single hashing primitive behind every *_hash column in the
// landscape.
func Hash(v interface{}) (string, error) {
	encoded, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the "sha256:<hex>" digest of raw bytes directly, for
// content (payload-store blobs, artifact files) that isn't itself a JSON
// value to canonicalize.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// MustHash panics on a non-serializable value. Reserved for call sites that
// have already validated their input (e.g. re-hashing a value that was just
// successfully hashed once).
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
