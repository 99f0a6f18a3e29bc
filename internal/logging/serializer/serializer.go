package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const (
	logsKey = "logs"
	typeKey = "type"
)

// Factory returns a new zero value of one log variant.
type Factory func() logging.Log

// Serializer converts logs to and from the JSON wire format. Each per-log
// object carries a "type" tag used to pick the registered Factory.
type Serializer struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Serializer {
	return &Serializer{factories: make(map[string]Factory)}
}

// Register binds a factory to a log type tag. The last registration for a
// tag wins.
func (s *Serializer) Register(logType string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[logType] = factory
}

// RegisterAll registers every factory of a feature module.
func (s *Serializer) RegisterAll(factories map[string]Factory) {
	for logType, factory := range factories {
		s.Register(logType, factory)
	}
}

func (s *Serializer) factory(logType string) (Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factories[logType]
	return f, ok
}

func (s *Serializer) SerializeLog(log logging.Log) ([]byte, error) {
	return s.marshalLog(log)
}

// DeserializeLog decodes one log. typeHint is used only when the payload
// carries no type tag.
func (s *Serializer) DeserializeLog(data []byte, typeHint string) (logging.Log, error) {
	var header struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", logging.ErrMalformedPayload, err)
	}

	logType := typeHint
	if header.Type != nil {
		logType = *header.Type
	}
	if logType == "" {
		return nil, fmt.Errorf("%w: missing %q field", logging.ErrMalformedPayload, typeKey)
	}

	factory, ok := s.factory(logType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", logging.ErrUnknownLogType, logType)
	}

	log := factory()
	if err := json.Unmarshal(data, log); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", logging.ErrMalformedPayload, logType, err)
	}
	return log, nil
}

func (s *Serializer) SerializeContainer(container logging.LogContainer) ([]byte, error) {
	if container.Logs == nil {
		return nil, fmt.Errorf("%w: %q field is not set", logging.ErrMalformedPayload, logsKey)
	}

	logs := make([]json.RawMessage, 0, len(container.Logs))
	for i, log := range container.Logs {
		obj, err := s.marshalLog(log)
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		logs = append(logs, obj)
	}

	return json.Marshal(map[string][]json.RawMessage{logsKey: logs})
}

func (s *Serializer) DeserializeContainer(data []byte) (logging.LogContainer, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return logging.LogContainer{}, fmt.Errorf("%w: %v", logging.ErrMalformedPayload, err)
	}

	rawLogs, ok := envelope[logsKey]
	if !ok || string(rawLogs) == "null" {
		return logging.LogContainer{}, fmt.Errorf("%w: missing %q field", logging.ErrMalformedPayload, logsKey)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawLogs, &items); err != nil {
		return logging.LogContainer{}, fmt.Errorf("%w: %v", logging.ErrMalformedPayload, err)
	}

	logs := make([]logging.Log, 0, len(items))
	for i, item := range items {
		log, err := s.DeserializeLog(item, "")
		if err != nil {
			return logging.LogContainer{}, fmt.Errorf("log %d: %w", i, err)
		}
		logs = append(logs, log)
	}
	return logging.LogContainer{Logs: logs}, nil
}

func (s *Serializer) marshalLog(log logging.Log) (json.RawMessage, error) {
	if log == nil {
		return nil, errors.New("nil log")
	}

	raw, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("marshal %s log: %w", log.Type(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%s log is not a JSON object: %w", log.Type(), err)
	}

	tag, err := json.Marshal(log.Type())
	if err != nil {
		return nil, err
	}
	fields[typeKey] = tag

	return json.Marshal(fields)
}
