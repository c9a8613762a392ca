// Package message defines the wire-level Message type and the framing
// protocol shared by Unix-domain-socket channels and the TCP bridge.
package message

import "encoding/json"

// DefaultMaxFrameSize is the default upper bound on a single frame's
// payload length, 16 MiB.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Message is the unit of exchange on a channel. Msg must be non-empty;
// Data is an optional plain object. Extra top-level fields round-trip
// through RawExtra so callers that rely on convention fields beyond
// msg/data are not silently dropped.
type Message struct {
	Msg  string         `json:"msg"`
	Data map[string]any `json:"data,omitempty"`

	// RawExtra holds any additional top-level JSON fields not otherwise
	// captured by Msg/Data, preserved verbatim across decode/encode.
	RawExtra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges Msg, Data, and RawExtra into one JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.RawExtra)+2)
	for k, v := range m.RawExtra {
		out[k] = v
	}

	msgJSON, err := json.Marshal(m.Msg)
	if err != nil {
		return nil, err
	}
	out["msg"] = msgJSON

	if m.Data != nil {
		dataJSON, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		out["data"] = dataJSON
	}

	return json.Marshal(out)
}

// UnmarshalJSON splits a JSON object into Msg, Data, and RawExtra.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	if msgRaw, ok := raw["msg"]; ok {
		if err := json.Unmarshal(msgRaw, &m.Msg); err != nil {
			return err
		}
		delete(raw, "msg")
	}

	if dataRaw, ok := raw["data"]; ok {
		var data map[string]any
		if err := json.Unmarshal(dataRaw, &data); err != nil {
			return err
		}
		m.Data = data
		delete(raw, "data")
	}

	if len(raw) > 0 {
		m.RawExtra = raw
	}
	return nil
}

// isPlainJSONObject reports whether raw decodes to a JSON object (not an
// array, string, number, or bool). A JSON null also decodes without error,
// so callers that must reject null check for it separately.
func isPlainJSONObject(raw json.RawMessage) bool {
	var probe map[string]any
	return json.Unmarshal(raw, &probe) == nil
}

// IsValid reports whether m satisfies spec.md §4.1: Msg is a non-empty
// string and Data, if present in the original payload, is a plain object
// (never an array or null). Since Message.Data is already typed as
// map[string]any, an invalid "data" shape would have failed decode
// earlier; IsValid mainly guards direct construction (e.g. in tests) and
// the empty-Msg case.
func IsValid(m Message) bool {
	return m.Msg != ""
}

// ValidateRaw validates a still-encoded JSON payload against spec.md's
// isValidMessage rule before it is unmarshalled into a Message, so a
// `data` field that is an array or null is rejected rather than silently
// dropped by UnmarshalJSON's map[string]any decode.
func ValidateRaw(b []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return false
	}

	msgRaw, ok := raw["msg"]
	if !ok {
		return false
	}
	var msg string
	if err := json.Unmarshal(msgRaw, &msg); err != nil || msg == "" {
		return false
	}

	if dataRaw, ok := raw["data"]; ok {
		if string(dataRaw) == "null" {
			return false
		}
		if !isPlainJSONObject(dataRaw) {
			return false
		}
	}

	return true
}
