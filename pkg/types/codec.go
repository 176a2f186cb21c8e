package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeOutbound serializes a server message. Ids are tagged ",string" so
// they travel as decimal strings.
func EncodeOutbound(msg *OutboundMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// DecodeOutbound parses a server message; used by clients and tests.
func DecodeOutbound(data []byte) (*OutboundMessage, error) {
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// DecodeInbound parses and validates a client message. The error wraps
// ErrMalformedMessage, ErrUnknownMessageType or ErrMissingEditAction.
func DecodeInbound(data []byte) (*InboundMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrMalformedMessage
	}

	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return &msg, err
	}
	return &msg, nil
}

// EncodeInbound serializes a client message; used by clients and tests.
func EncodeInbound(msg *InboundMessage) ([]byte, error) {
	return json.Marshal(msg)
}
