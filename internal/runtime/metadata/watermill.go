package metadata

import (
	"fmt"
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies the headers of a consumed Watermill message. The
// result is never nil so consumers can add the event id in place.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	maps.Copy(out, md)
	return out
}

// FromProperties renders mediator message properties as headers. Nil values
// are dropped.
func FromProperties(props map[string]any) Metadata {
	out := make(Metadata, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// ToWatermill converts metadata into headers for an outgoing Watermill message.
func ToWatermill(md Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	maps.Copy(out, md)
	return out
}
