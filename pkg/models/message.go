package models

import (
	"encoding/json"
	"fmt"
)

// MessageType classifies a user facing job message.
type MessageType string

const (
	MessageTypeInfo    MessageType = "INFO"
	MessageTypeWarning MessageType = "WARNING"
	MessageTypeError   MessageType = "ERROR"
)

// Message is a structured progress or warning message produced by a product.
type Message struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// MessageList is the serialized form stored in the job row.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// ParseMessages decodes the stored message list. An empty input yields an
// empty, non-nil list.
func ParseMessages(raw string) (MessageList, error) {
	list := MessageList{Messages: []Message{}}
	if raw == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return MessageList{}, fmt.Errorf("decode job messages: %w", err)
	}
	if list.Messages == nil {
		list.Messages = []Message{}
	}
	return list, nil
}

// String serializes the list for storage.
func (l MessageList) String() string {
	if l.Messages == nil {
		l.Messages = []Message{}
	}
	b, _ := json.Marshal(l)
	return string(b)
}
