package messaging

import (
	"encoding/json"
	"fmt"
)

// Codec turns application values into message payloads and back.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	ContentType() string
}

// JSONCodec encodes payloads as JSON.
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return "application/json"
}
