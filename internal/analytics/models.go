package analytics

import (
	"github.com/google/uuid"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const (
	EventLogType = "event"
	PageLogType  = "page"
)

// EventLog is a custom event with optional string properties.
type EventLog struct {
	logging.BaseLog
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (l *EventLog) Type() string { return EventLogType }

// PageLog records a page view.
type PageLog struct {
	logging.BaseLog
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (l *PageLog) Type() string { return PageLogType }
