package ws

import (
	"bytes"
	"encoding/json"
)

// Message is one decoded inbound frame.
type Message struct {
	Event Event
	Data  Payload
}

// Payload is a decoded frame payload. Lookups accept both snake_case
// and lowerCamel spellings, clients are not consistent about which
// they send.
type Payload map[string]any

// String returns the string value under key or its lowerCamel alias.
func (p Payload) String(key string) (string, bool) {
	if v, ok := p[key]; ok {
		s, ok := v.(string)
		return s, ok
	}
	if alt := camelKey(key); alt != key {
		if v, ok := p[alt]; ok {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func camelKey(key string) string {
	b := make([]byte, 0, len(key))
	up := false
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '_' {
			up = true
			continue
		}
		if up && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		up = false
		b = append(b, c)
	}
	return string(b)
}

// Decode parses one inbound frame in either accepted syntax: a
// structured {"event":..., "data":...} object, or the legacy numeric
// prefix followed by a ["event", payload] array whose payload element
// may be omitted. ok is false when raw is not a recognized frame;
// unrecognized frames carry no further information and are dropped by
// the caller.
func Decode(raw []byte) (Message, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Message{}, false
	}
	if raw[0] == '{' {
		return decodeObject(raw)
	}
	return decodePrefixed(raw)
}

func decodeObject(raw []byte) (Message, bool) {
	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		return Message{}, false
	}
	data, ok := decodeData(f.Data)
	if !ok {
		return Message{}, false
	}
	return Message{Event: Event(f.Event), Data: data}, true
}

func decodePrefixed(raw []byte) (Message, bool) {
	i := 0
	for i < len(raw) && '0' <= raw[i] && raw[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(raw) || raw[i] != '[' {
		return Message{}, false
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw[i:], &arr); err != nil {
		return Message{}, false
	}
	if len(arr) == 0 || len(arr) > 2 {
		return Message{}, false
	}

	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return Message{}, false
	}

	data := Payload{}
	if len(arr) == 2 {
		var ok bool
		if data, ok = decodeData(arr[1]); !ok {
			return Message{}, false
		}
	}
	return Message{Event: Event(name), Data: data}, true
}

// decodeData accepts an absent, null or object payload. Anything else
// makes the whole frame unrecognized.
func decodeData(raw json.RawMessage) (Payload, bool) {
	if len(raw) == 0 {
		return Payload{}, true
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if p == nil {
		p = Payload{}
	}
	return p, true
}

// Encode serializes one outbound frame. Outbound frames always use the
// structured object form; a nil payload becomes an empty object.
func Encode(event Event, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(struct {
		Event Event `json:"event"`
		Data  any   `json:"data"`
	}{event, data})
}
