// Package codec turns typed stream elements into broker payloads and back.
package codec

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Codec serialises a single message payload.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var sonicConfig = sonic.ConfigStd

var (
	// JSON encodes plain Go values with sonic.
	JSON Codec = jsonCodec{}
	// Proto encodes proto.Message values as protobuf JSON.
	Proto Codec = protoCodec{}
	// Raw passes []byte and string payloads through untouched.
	Raw Codec = rawCodec{}
)

// ForName resolves a codec by its Name. An empty name selects JSON.
func ForName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "proto", "protojson":
		return Proto, nil
	case "raw", "bytes":
		return Raw, nil
	}
	return nil, fmt.Errorf("flowbind: unknown codec %q", name)
}

// DecodeAs unmarshals data into a fresh M. Pointer element types are allocated
// before decoding so protobuf messages and pointer structs work alike.
func DecodeAs[M any](c Codec, data []byte) (M, error) {
	var m M
	rt := reflect.TypeOf(m)
	if rt != nil && rt.Kind() == reflect.Pointer {
		m = reflect.New(rt.Elem()).Interface().(M)
		return m, c.Unmarshal(data, m)
	}
	return m, c.Unmarshal(data, &m)
}

// Encode writes v to w as JSON.
func Encode(w io.Writer, v any) error {
	return sonicConfig.NewEncoder(w).Encode(v)
}

// Decode reads one JSON value from r into v.
func Decode(r io.Reader, v any) error {
	return sonicConfig.NewDecoder(r).Decode(v)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return sonicConfig.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return sonicConfig.Unmarshal(data, v)
}

var protoMarshal = protojson.MarshalOptions{EmitUnpopulated: true}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("flowbind: proto codec cannot marshal %T", v)
	}
	return protoMarshal.Marshal(msg)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("flowbind: proto codec cannot unmarshal into %T", v)
	}
	return protojson.Unmarshal(data, msg)
}

type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	}
	return nil, fmt.Errorf("flowbind: raw codec cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = append((*t)[:0], data...)
		return nil
	case *string:
		*t = string(data)
		return nil
	}
	return fmt.Errorf("flowbind: raw codec cannot unmarshal into %T", v)
}
