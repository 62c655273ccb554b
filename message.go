package driftdb

import (
	"encoding/json"
	"fmt"
)

// wire envelopes for the store protocol. the shapes are fixed by the
// store; field order and tags must not change.

type MessageType string

const (
	// client -> store
	MessageTypePush MessageType = "Push"

	// store -> client
	MessageTypeEvent MessageType = "Event"
	MessageTypeSize  MessageType = "Size"
	MessageTypeError MessageType = "Error"
)

type ActionType string

const (
	// whole-state overwrite. value is the raw state.
	ActionTypeReplace ActionType = "Replace"
	// reducer input. value is `{"apply": <action>}`.
	ActionTypeAppend ActionType = "Append"
	// snapshot superseding sequence numbers <= `seq`.
	// value is `{"reset": <state>}`.
	ActionTypeCompact ActionType = "Compact"
)

type Action struct {
	Type ActionType     `json:"type"`
	Seq  SequenceNumber `json:"seq,omitempty"`
}

// client -> store submission
type PushMessage struct {
	Type   MessageType     `json:"type"`
	Action Action          `json:"action"`
	Value  json.RawMessage `json:"value"`
	Key    Key             `json:"key"`
}

func NewReplacePush(key Key, value json.RawMessage) *PushMessage {
	return &PushMessage{
		Type: MessageTypePush,
		Action: Action{
			Type: ActionTypeReplace,
		},
		Value: value,
		Key:   key,
	}
}

func NewAppendPush(key Key, apply json.RawMessage) *PushMessage {
	value, err := json.Marshal(&AppendValue{
		Apply: apply,
	})
	if err != nil {
		panic(err)
	}
	return &PushMessage{
		Type: MessageTypePush,
		Action: Action{
			Type: ActionTypeAppend,
		},
		Value: value,
		Key:   key,
	}
}

func NewCompactPush(key Key, seq SequenceNumber, reset json.RawMessage) *PushMessage {
	value, err := json.Marshal(&CompactValue{
		Reset: reset,
	})
	if err != nil {
		panic(err)
	}
	return &PushMessage{
		Type: MessageTypePush,
		Action: Action{
			Type: ActionTypeCompact,
			Seq:  seq,
		},
		Value: value,
		Key:   key,
	}
}

// payload of an `Append` event
type AppendValue struct {
	Apply json.RawMessage `json:"apply"`
}

// payload of a `Compact` event
type CompactValue struct {
	Reset json.RawMessage `json:"reset"`
}

// one confirmed entry of a key's log as delivered to subscribers
type SequenceEvent struct {
	Seq   SequenceNumber  `json:"seq"`
	Value json.RawMessage `json:"value"`
}

// store -> client framing. one struct for all inbound types,
// discriminated on `type`.
type StoreMessage struct {
	Type    MessageType     `json:"type"`
	Key     Key             `json:"key,omitempty"`
	Seq     SequenceNumber  `json:"seq,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Size    int             `json:"size,omitempty"`
	Message string          `json:"message,omitempty"`
}

func ParseStoreMessage(messageBytes []byte) (*StoreMessage, error) {
	message := &StoreMessage{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	switch message.Type {
	case MessageTypeEvent, MessageTypeSize, MessageTypeError:
		return message, nil
	default:
		return nil, fmt.Errorf("unrecognized message type: %s", message.Type)
	}
}
