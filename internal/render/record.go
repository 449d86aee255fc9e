package render

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrInvalidRecord = errors.New("render: invalid attribute record")

// DefaultLocationField holds the public image location once published.
const DefaultLocationField = "image"

// NormalizeRecord checks that raw is a JSON object and that the location
// placeholder exists, adding it as "" when absent. When index is positive and
// the record has a string name, " #<index>" is appended to it. All other bytes
// are left as received.
func NormalizeRecord(raw []byte, locationField string, index int) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidRecord)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidRecord)
	}
	if locationField == "" {
		locationField = DefaultLocationField
	}
	out := raw
	if !gjson.GetBytes(out, locationField).Exists() {
		patched, err := sjson.SetBytes(out, locationField, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		out = patched
	}
	if index > 0 {
		name := gjson.GetBytes(out, "name")
		if name.Type == gjson.String {
			patched, err := sjson.SetBytes(out, "name", fmt.Sprintf("%s #%d", name.String(), index))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}
			out = patched
		}
	}
	return out, nil
}
