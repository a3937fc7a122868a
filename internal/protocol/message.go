// Package protocol defines the WebSocket message types shared by the
// status stream and the head-unit bridge
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Daemon → client messages
	TypeBoost MessageType = "boost" // Boost session status
	TypeStats MessageType = "stats" // Session statistics

	// Daemon → head unit messages
	TypeSetVolume MessageType = "set_volume" // Write a native step
	TypeGetVolume MessageType = "get_volume" // Ask for the current step

	// Head unit → daemon messages
	TypeVolume MessageType = "volume" // Current step report

	// Client → daemon messages
	TypeGetStats MessageType = "get_stats" // Ask for session statistics

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// VolumeData carries a native step on the device's scale
type VolumeData struct {
	Step     int `json:"step"`
	MaxSteps int `json:"max_steps,omitempty"`
}

// NewSetVolumeMessage asks the head unit to apply a step
func NewSetVolumeMessage(step, maxSteps int) (*Message, error) {
	return NewMessage(TypeSetVolume, VolumeData{Step: step, MaxSteps: maxSteps})
}

// NewGetVolumeMessage asks the head unit to report its step
func NewGetVolumeMessage() (*Message, error) {
	return NewMessage(TypeGetVolume, nil)
}

// GetVolumeData extracts a volume report from a message
func (m *Message) GetVolumeData() (*VolumeData, error) {
	if m.Data == nil {
		return nil, fmt.Errorf("%s message has no data", m.Type)
	}
	var data VolumeData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
