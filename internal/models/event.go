package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event published by the node
type EventLog struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	DevAddr   string    `json:"devAddr"`

	Type        EventType  `json:"type"`
	Level       EventLevel `json:"level"`
	Code        string     `json:"code,omitempty"`
	Description string     `json:"description"`

	Details Variables `json:"details,omitempty"`
}

// NewEvent returns an event with a fresh ID.
func NewEvent(devAddr string, typ EventType, level EventLevel, description string, details Variables) *EventLog {
	return &EventLog{
		ID:          uuid.New(),
		CreatedAt:   time.Now().UTC(),
		DevAddr:     devAddr,
		Type:        typ,
		Level:       level,
		Description: description,
		Details:     details,
	}
}

// EventType represents event types
type EventType string

const (
	EventTypeUplink        EventType = "UPLINK"
	EventTypeDownlink      EventType = "DOWNLINK"
	EventTypeAck           EventType = "ACK"
	EventTypeTxTimeout     EventType = "TX_TIMEOUT"
	EventTypePersistFailed EventType = "PERSIST_FAILED"
	EventTypeError         EventType = "ERROR"
	EventTypeStarted       EventType = "STARTED"
	EventTypeStopped       EventType = "STOPPED"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}
