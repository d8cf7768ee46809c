package syncv1

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// Codec marshals the plain Go messages of this package as JSON. It replaces
// Connect's protobuf JSON codec under the same name, so requests travel as
// application/json.
type Codec struct{}

var _ connect.Codec = Codec{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (Codec) Unmarshal(data []byte, msg any) error {
	return json.Unmarshal(data, msg)
}
