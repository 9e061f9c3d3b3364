package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Websocket subprotocols understood by the relay.
const (
	SubprotocolJSON  = "relay.json"
	SubprotocolProto = "relay.proto"
)

// Codec turns messages into frames and back. Implementations are stateless
// and safe for concurrent use.
type Codec interface {
	// Name identifies the codec in logs.
	Name() string
	// Binary reports whether frames are binary (true) or UTF-8 text.
	Binary() bool

	DecodeInbound(data []byte) (Inbound, error)
	EncodeInbound(msg Inbound) ([]byte, error)
	DecodeOutbound(data []byte) (Outbound, error)
	EncodeOutbound(msg Outbound) ([]byte, error)
}

var (
	// JSON encodes every message as one JSON object per frame.
	JSON Codec = fieldCodec{name: "json", marshal: marshalJSON, unmarshal: unmarshalJSON}

	// Proto encodes every message as a google.protobuf.Struct per frame.
	Proto Codec = fieldCodec{name: "proto", binary: true, marshal: marshalProto, unmarshal: unmarshalProto}
)

// ForSubprotocol returns the codec negotiated by a websocket subprotocol.
// Unknown or empty names select JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolProto {
		return Proto
	}
	return JSON
}

// fieldCodec maps messages onto a generic field map and delegates the bytes
// to marshal/unmarshal.
type fieldCodec struct {
	name      string
	binary    bool
	marshal   func(map[string]any) ([]byte, error)
	unmarshal func([]byte) (map[string]any, error)
}

func (c fieldCodec) Name() string { return c.name }
func (c fieldCodec) Binary() bool { return c.binary }

func (c fieldCodec) DecodeInbound(data []byte) (Inbound, error) {
	m, err := c.unmarshal(data)
	if err != nil {
		return nil, err
	}
	return fieldsToInbound(m)
}

func (c fieldCodec) EncodeInbound(msg Inbound) ([]byte, error) {
	m, err := inboundToFields(msg)
	if err != nil {
		return nil, err
	}
	return c.marshal(m)
}

func (c fieldCodec) DecodeOutbound(data []byte) (Outbound, error) {
	m, err := c.unmarshal(data)
	if err != nil {
		return nil, err
	}
	return fieldsToOutbound(m)
}

func (c fieldCodec) EncodeOutbound(msg Outbound) ([]byte, error) {
	m, err := outboundToFields(msg)
	if err != nil {
		return nil, err
	}
	return c.marshal(m)
}

func marshalJSON(m map[string]any) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// unmarshalJSON keeps numbers as json.Number so opaque payloads are relayed
// with their original digits.
func unmarshalJSON(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	return m, nil
}

func marshalProto(m map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(protoValue(m).(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func unmarshalProto(data []byte) (map[string]any, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s.AsMap(), nil
}

// protoValue replaces json.Number, which structpb rejects, with float64.
// Struct numbers are doubles, so integers beyond 2^53 lose precision on the
// protobuf codec only.
func protoValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = protoValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = protoValue(e)
		}
		return out
	default:
		return v
	}
}
