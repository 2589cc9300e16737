// Package idl models the boundary to the (external, out of scope) class
// hierarchy / field-mapper definitions a real deployment loads from IDL
// files: code in this repo only consumes that boundary through the
// Unpacker interface.
package idl

import "encoding/json"

// Unpacker converts a raw bus Result payload into the representation a
// gateway's response format expects — e.g. exploding a field-mapper
// array into a named-field object. The real implementation is supplied
// by the service's compiled class definitions; Passthrough below is the
// only implementation this repo ships.
type Unpacker interface {
	Unpack(raw json.RawMessage) (json.RawMessage, error)
}

// Passthrough returns raw unchanged — a safe default for any class the
// deployment hasn't registered a real Unpacker for; with it, the
// "raw"/"rawslim" formats carry values exactly as they came.
type Passthrough struct{}

// Unpack implements Unpacker.
func (Passthrough) Unpack(raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

// ScrubNulls recursively removes every JSON-null leaf from raw,
// including null array elements, which shortens the containing array
// rather than leaving a hole — matching the "rawslim" format's rule
// that it removes nulls "including array elements".
func ScrubNulls(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(scrub(v))
}

func scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = scrub(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if val == nil {
				continue
			}
			out = append(out, scrub(val))
		}
		return out
	default:
		return v
	}
}
