package sdk

import (
	"regexp"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	MaxCustomProperties          = 60
	MaxCustomPropertyKeyLength   = 128
	MaxCustomPropertyValueLength = 128
)

var customPropertyKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)

// CustomProperties collects typed properties. Invalid entries are dropped
// with an error log; setting a key again overrides it with a warning.
type CustomProperties struct {
	logger     *zap.Logger
	order      []string
	properties map[string]CustomProperty
}

func NewCustomProperties(logger *zap.Logger) *CustomProperties {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustomProperties{
		logger:     logger,
		properties: make(map[string]CustomProperty),
	}
}

func (c *CustomProperties) SetString(key, value string) *CustomProperties {
	if utf8.RuneCountInString(value) > MaxCustomPropertyValueLength {
		c.logger.Error("custom property value is too long, dropping it",
			zap.String("key", key), zap.Int("max", MaxCustomPropertyValueLength))
		return c
	}
	return c.add(key, propertyString, value)
}

func (c *CustomProperties) SetNumber(key string, value float64) *CustomProperties {
	return c.add(key, propertyNumber, value)
}

func (c *CustomProperties) SetBool(key string, value bool) *CustomProperties {
	return c.add(key, propertyBoolean, value)
}

func (c *CustomProperties) SetTime(key string, value time.Time) *CustomProperties {
	return c.add(key, propertyDateTime, value.UTC())
}

// Clear removes key from the properties stored by the backend.
func (c *CustomProperties) Clear(key string) *CustomProperties {
	return c.add(key, propertyClear, nil)
}

func (c *CustomProperties) Len() int {
	return len(c.order)
}

// Properties returns the properties in the order their keys were first set.
func (c *CustomProperties) Properties() []CustomProperty {
	out := make([]CustomProperty, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.properties[key])
	}
	return out
}

func (c *CustomProperties) add(key, kind string, value any) *CustomProperties {
	if !c.validKey(key) {
		return c
	}
	if _, exists := c.properties[key]; exists {
		c.logger.Warn("custom property is already set, overriding it", zap.String("key", key))
	} else {
		if len(c.order) >= MaxCustomProperties {
			c.logger.Error("too many custom properties, dropping it",
				zap.String("key", key), zap.Int("max", MaxCustomProperties))
			return c
		}
		c.order = append(c.order, key)
	}
	c.properties[key] = CustomProperty{Name: key, Type: kind, Value: value}
	return c
}

func (c *CustomProperties) validKey(key string) bool {
	if !customPropertyKey.MatchString(key) {
		c.logger.Error("custom property key is invalid, dropping it", zap.String("key", key))
		return false
	}
	if len(key) > MaxCustomPropertyKeyLength {
		c.logger.Error("custom property key is too long, dropping it",
			zap.String("key", key), zap.Int("max", MaxCustomPropertyKeyLength))
		return false
	}
	return true
}
