// Package codec provides the typed serialize/deserialize contract used for
// payload bodies. Serializers are selected by content type.
package codec

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeJSON      = "application/json"
	ContentTypeProtoJSON = "application/protobuf+json"
	ContentTypeProto     = "application/x-protobuf"
)

// Serializer converts between Go values and payload bodies.
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var defaultConfig = sonic.ConfigStd

// JSON serializes values with sonic using encoding/json compatible settings.
type JSON struct{}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

var protoJSONMarshalOptions = protojson.MarshalOptions{EmitUnpopulated: true}

// ProtoJSON serializes protobuf messages using the canonical JSON mapping.
type ProtoJSON struct{}

func (ProtoJSON) ContentType() string { return ContentTypeProtoJSON }

func (ProtoJSON) Marshal(v any) ([]byte, error) {
	msg, err := asProto(v)
	if err != nil {
		return nil, err
	}
	return protoJSONMarshalOptions.Marshal(msg)
}

func (ProtoJSON) Unmarshal(data []byte, v any) error {
	msg, err := asProto(v)
	if err != nil {
		return err
	}
	return protojson.Unmarshal(data, msg)
}

// Proto serializes protobuf messages using the binary wire format.
type Proto struct{}

func (Proto) ContentType() string { return ContentTypeProto }

func (Proto) Marshal(v any) ([]byte, error) {
	msg, err := asProto(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (Proto) Unmarshal(data []byte, v any) error {
	msg, err := asProto(v)
	if err != nil {
		return err
	}
	return proto.Unmarshal(data, msg)
}

func asProto(v any) (proto.Message, error) {
	msg, ok := v.(proto.Message)
	if !ok || msg == nil {
		return nil, fmt.Errorf("codec: %T is not a protobuf message", v)
	}
	return msg, nil
}

// Encode serializes v and returns the body together with its content type.
func Encode(s Serializer, v any) ([]byte, string, error) {
	if s == nil {
		s = JSON{}
	}
	data, err := s.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("codec: encode %T: %w", v, err)
	}
	return data, s.ContentType(), nil
}

// Decode deserializes data into a new value of type T. Protobuf pointer types
// are allocated through their message descriptor.
func Decode[T any](s Serializer, data []byte) (T, error) {
	if s == nil {
		s = JSON{}
	}
	var out T
	if pm, ok := any(out).(proto.Message); ok {
		msg := pm.ProtoReflect().Type().New().Interface()
		if err := s.Unmarshal(data, msg); err != nil {
			return out, fmt.Errorf("codec: decode %T: %w", out, err)
		}
		typed, ok := msg.(T)
		if !ok {
			return out, fmt.Errorf("codec: unexpected message type %T", msg)
		}
		return typed, nil
	}
	if err := s.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("codec: decode %T: %w", out, err)
	}
	return out, nil
}

// WriteJSON streams v as JSON to w.
func WriteJSON(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Registry resolves serializers by content type.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
	fallback    Serializer
}

// NewRegistry returns a registry preloaded with the JSON and protobuf serializers.
// JSON is used when a payload carries no content type.
func NewRegistry() *Registry {
	r := &Registry{serializers: make(map[string]Serializer), fallback: JSON{}}
	r.Register(JSON{})
	r.Register(ProtoJSON{})
	r.Register(Proto{})
	return r
}

// Register adds or replaces the serializer for its content type.
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[strings.ToLower(s.ContentType())] = s
}

// Lookup returns the serializer for contentType, or the fallback when unknown.
func (r *Registry) Lookup(contentType string) Serializer {
	if r == nil {
		return JSON{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.serializers[strings.ToLower(contentType)]; ok {
		return s
	}
	return r.fallback
}
