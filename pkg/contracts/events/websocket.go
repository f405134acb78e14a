// Package events defines the messages the license agent pushes to GUI
// clients over its websocket.
package events

import (
	"time"

	"isxlicense/pkg/contracts/domain"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeLicenseStatus carries a full domain.LicenseStatus. It is
	// sent on connect and on every state or reason change.
	MessageTypeLicenseStatus MessageType = "license:status"

	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"`
}

// NewStatusMessage wraps status for broadcast.
func NewStatusMessage(id string, status domain.LicenseStatus) WebSocketMessage {
	return WebSocketMessage{
		BaseMessage: BaseMessage{ID: id, Type: MessageTypeLicenseStatus, Timestamp: time.Now().UTC()},
		Data:        status,
	}
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

// NewErrorMessage builds an error message.
func NewErrorMessage(id, code, message string, retry bool) WebSocketMessage {
	return WebSocketMessage{
		BaseMessage: BaseMessage{ID: id, Type: MessageTypeError, Timestamp: time.Now().UTC()},
		Data:        ErrorData{Code: code, Message: message, Retry: retry},
	}
}
