package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeArgs encodes call arguments as a protobuf Struct.
func EncodeArgs(args map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("failed to build arguments: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	return data, nil
}

// Args are decoded call arguments. Missing keys read as zero values.
type Args struct {
	fields map[string]*structpb.Value
}

// DecodeArgs decodes arguments encoded by EncodeArgs. An empty payload is an empty set.
func DecodeArgs(payload []byte) (Args, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return Args{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return Args{fields: s.GetFields()}, nil
}

func (a Args) Has(key string) bool {
	_, ok := a.fields[key]
	return ok
}

func (a Args) String(key string) string {
	return a.fields[key].GetStringValue()
}

func (a Args) Bool(key string) bool {
	return a.fields[key].GetBoolValue()
}

func (a Args) Number(key string) float64 {
	return a.fields[key].GetNumberValue()
}

func (a Args) Strings(key string) []string {
	values := a.fields[key].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

// StringMap reads a nested object of string values.
func (a Args) StringMap(key string) map[string]string {
	fields := a.fields[key].GetStructValue().GetFields()
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.GetStringValue()
	}
	return out
}

// Object reads a nested object.
func (a Args) Object(key string) Args {
	return Args{fields: a.fields[key].GetStructValue().GetFields()}
}

// Objects reads a list of nested objects.
func (a Args) Objects(key string) []Args {
	values := a.fields[key].GetListValue().GetValues()
	out := make([]Args, 0, len(values))
	for _, v := range values {
		out = append(out, Args{fields: v.GetStructValue().GetFields()})
	}
	return out
}
