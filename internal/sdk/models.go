package sdk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const (
	StartServiceLogType     = "start_service"
	CustomPropertiesLogType = "custom_properties"
)

// StartServiceLog lists the services started by one Start call.
type StartServiceLog struct {
	logging.BaseLog
	Services []string `json:"services"`
}

func (l *StartServiceLog) Type() string { return StartServiceLogType }

// CustomPropertiesLog carries the properties set by the application.
type CustomPropertiesLog struct {
	logging.BaseLog
	Properties []CustomProperty `json:"properties"`
}

func (l *CustomPropertiesLog) Type() string { return CustomPropertiesLogType }

const (
	propertyString   = "string"
	propertyNumber   = "number"
	propertyBoolean  = "boolean"
	propertyDateTime = "dateTime"
	propertyClear    = "clear"
)

// CustomProperty is one typed property. Value is a string, float64, bool,
// time.Time, or nil for a cleared property.
type CustomProperty struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

func (p *CustomProperty) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  string          `json:"name"`
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Name = raw.Name
	p.Type = raw.Type
	p.Value = nil

	var err error
	switch raw.Type {
	case propertyString:
		var v string
		err = json.Unmarshal(raw.Value, &v)
		p.Value = v
	case propertyNumber:
		var v float64
		err = json.Unmarshal(raw.Value, &v)
		p.Value = v
	case propertyBoolean:
		var v bool
		err = json.Unmarshal(raw.Value, &v)
		p.Value = v
	case propertyDateTime:
		var v time.Time
		err = json.Unmarshal(raw.Value, &v)
		p.Value = v
	case propertyClear:
	default:
		return fmt.Errorf("%w: unknown custom property type %q", logging.ErrMalformedPayload, raw.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: custom property %q: %v", logging.ErrMalformedPayload, raw.Name, err)
	}
	return nil
}
