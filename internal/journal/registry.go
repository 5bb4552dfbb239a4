package journal

import (
	"encoding/json"
	"fmt"
)

var registry = map[Kind]func(raw []byte) (Payload, error){}

// register makes a payload type decodable by kind. T must be a value type.
func register[T Payload](kind Kind) {
	if _, dup := registry[kind]; dup {
		panic("journal: duplicate payload kind " + string(kind))
	}
	registry[kind] = func(raw []byte) (Payload, error) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	}
}

func decodePayload(kind Kind, raw []byte) (Payload, error) {
	dec, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	return dec(raw)
}

// Kinds returns every registered payload kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
