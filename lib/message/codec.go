package message

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldID        = "id"
	fieldUUID      = "uuid"
	fieldType      = "type"
	fieldSender    = "sender"
	fieldReceivers = "receivers"
	fieldValues    = "values"
	fieldLists     = "lists"
)

// ToStruct converts m into a protobuf Struct.
// The uuid is stored as a decimal string since Struct numbers are doubles.
func ToStruct(m *Message) (*structpb.Struct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	receivers := make([]any, 0, len(m.receivers))
	for _, r := range m.receivers {
		receivers = append(receivers, r)
	}

	values := make(map[string]any, len(m.values))
	for k, v := range m.values {
		values[k] = v
	}

	lists := make(map[string]any, len(m.lists))
	for k, l := range m.lists {
		items := make([]any, 0, len(l))
		for _, item := range l {
			items = append(items, item)
		}
		lists[k] = items
	}

	s, err := structpb.NewStruct(map[string]any{
		fieldID:        m.id,
		fieldUUID:      strconv.FormatUint(uint64(m.uuid), 10),
		fieldType:      float64(m.typ),
		fieldSender:    m.sender,
		fieldReceivers: receivers,
		fieldValues:    values,
		fieldLists:     lists,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build message struct: %w", err)
	}
	return s, nil
}

// FromStruct rebuilds a message from a Struct produced by ToStruct.
func FromStruct(s *structpb.Struct) (*Message, error) {
	fields := s.GetFields()

	id := fields[fieldID].GetStringValue()
	if id == "" {
		return nil, fmt.Errorf("message struct has no id")
	}

	uuid, err := strconv.ParseUint(fields[fieldUUID].GetStringValue(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid message uuid: %w", err)
	}

	typ := Type(fields[fieldType].GetNumberValue())
	if typ > TypeSyncResponse {
		return nil, fmt.Errorf("invalid message type %d", typ)
	}

	m := New(id, UUID(uuid))
	m.typ = typ
	m.sender = fields[fieldSender].GetStringValue()

	for _, r := range fields[fieldReceivers].GetListValue().GetValues() {
		m.AddReceiver(r.GetStringValue())
	}
	for k, v := range fields[fieldValues].GetStructValue().GetFields() {
		m.values[k] = v.GetStringValue()
	}
	for k, v := range fields[fieldLists].GetStructValue().GetFields() {
		items := v.GetListValue().GetValues()
		list := make([]string, 0, len(items))
		for _, item := range items {
			list = append(list, item.GetStringValue())
		}
		m.lists[k] = list
	}
	return m, nil
}

// Marshal encodes m in protobuf wire format.
func Marshal(m *Message) ([]byte, error) {
	s, err := ToStruct(m)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a message encoded by Marshal.
func Unmarshal(data []byte) (*Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return FromStruct(&s)
}
