package telemetry

import (
	"encoding/json"
	"fmt"
)

// iotnodeKey holds the node document in Yggio output messages.
const iotnodeKey = "iotnode"

// ParsePayload extracts numeric values from a node output message.
//
// When the message has an object under "iotnode" only that object is read.
// Numbers are kept, booleans become 0 or 1 and nested objects are flattened
// with "_" between keys. Strings, arrays and nulls are dropped.
func ParsePayload(payload []byte) (map[string]float64, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}
	if inner, ok := doc[iotnodeKey].(map[string]any); ok {
		doc = inner
	}

	fields := make(map[string]float64)
	flatten("", doc, fields)
	if len(fields) == 0 {
		return nil, ErrNoNumericFields
	}
	return fields, nil
}

func flatten(prefix string, obj map[string]any, out map[string]float64) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch val := v.(type) {
		case float64:
			out[key] = val
		case bool:
			if val {
				out[key] = 1
			} else {
				out[key] = 0
			}
		case map[string]any:
			flatten(key, val, out)
		}
	}
}
