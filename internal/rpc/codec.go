package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON form. A nil struct decodes as
// an empty object.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
