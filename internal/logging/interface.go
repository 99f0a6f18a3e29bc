package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Log is a single telemetry record. Every concrete variant embeds BaseLog and
// reports its wire type tag.
type Log interface {
	Type() string
	Base() *BaseLog
}

// BaseLog carries the attributes shared by every log variant.
type BaseLog struct {
	Timestamp time.Time  `json:"timestamp"`
	SID       *uuid.UUID `json:"sid,omitempty"`
	Device    *Device    `json:"device,omitempty"`
}

func (b *BaseLog) Base() *BaseLog {
	return b
}

// Device is the device metadata snapshot attached to a log at enqueue time.
type Device struct {
	SDKName           string `json:"sdkName,omitempty"`
	SDKVersion        string `json:"sdkVersion,omitempty"`
	WrapperSDKName    string `json:"wrapperSdkName,omitempty"`
	WrapperSDKVersion string `json:"wrapperSdkVersion,omitempty"`
	Model             string `json:"model,omitempty"`
	OEMName           string `json:"oemName,omitempty"`
	OSName            string `json:"osName,omitempty"`
	OSVersion         string `json:"osVersion,omitempty"`
	OSBuild           string `json:"osBuild,omitempty"`
	OSAPILevel        *int   `json:"osApiLevel,omitempty"`
	Locale            string `json:"locale,omitempty"`
	TimeZoneOffset    *int   `json:"timeZoneOffset,omitempty"`
	ScreenSize        string `json:"screenSize,omitempty"`
	AppVersion        string `json:"appVersion,omitempty"`
	AppBuild          string `json:"appBuild,omitempty"`
	AppNamespace      string `json:"appNamespace,omitempty"`
	CarrierName       string `json:"carrierName,omitempty"`
	CarrierCountry    string `json:"carrierCountry,omitempty"`
}

// LogContainer is the unit sent over the wire. A nil Logs slice is invalid,
// an empty one is not.
type LogContainer struct {
	Logs []Log
}

// Request is one hand-off to the ingestion endpoint.
type Request struct {
	EndpointURL string
	AppSecret   string
	InstallID   uuid.UUID
	Payload     []byte
	LogCount    int
}

// Ingestion delivers a serialized LogContainer. Send must not block: it starts
// the request and reports the outcome through done exactly once, from any
// goroutine. Errors are classified with NewRetryableError, NewThrottleError
// and NewFatalError; an unclassified error is treated as retryable.
type Ingestion interface {
	Send(ctx context.Context, req Request, done func(error))
}

// DeviceProvider returns the current device metadata snapshot.
type DeviceProvider interface {
	Snapshot(ctx context.Context) (*Device, error)
}

// Clock is the time source used for timestamps, age checks and backoff.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// EventKind tags a listener Event.
type EventKind int

const (
	BeforeSending EventKind = iota
	SendSucceeded
	SendFailed
)

func (k EventKind) String() string {
	switch k {
	case BeforeSending:
		return "before_sending"
	case SendSucceeded:
		return "send_succeeded"
	case SendFailed:
		return "send_failed"
	}
	return "unknown"
}

// Event is delivered to a group listener for a single log. Err is set only
// for SendFailed.
type Event struct {
	Kind  EventKind
	Group string
	Log   Log
	Err   error
}

// Listener observes the send lifecycle of the logs of one group.
type Listener func(Event)
