package crashes

import (
	"github.com/google/uuid"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const ManagedErrorLogType = "managed_error"

// ManagedErrorLog describes one error or crash. Every field but ID is
// optional and stays absent on the wire when unset.
type ManagedErrorLog struct {
	logging.BaseLog
	ID                uuid.UUID        `json:"id"`
	ProcessID         *int             `json:"processId,omitempty"`
	ProcessName       string           `json:"processName,omitempty"`
	ParentProcessID   *int             `json:"parentProcessId,omitempty"`
	ParentProcessName string           `json:"parentProcessName,omitempty"`
	ErrorThreadID     *int64           `json:"errorThreadId,omitempty"`
	ErrorThreadName   string           `json:"errorThreadName,omitempty"`
	Fatal             *bool            `json:"fatal,omitempty"`
	AppLaunchTOffset  *int64           `json:"appLaunchTOffset,omitempty"`
	Exception         *Exception       `json:"exception,omitempty"`
	ErrorAttachment   *ErrorAttachment `json:"errorAttachment,omitempty"`
}

func (l *ManagedErrorLog) Type() string { return ManagedErrorLogType }

// IsFatal reports whether the log describes a crash.
func (l *ManagedErrorLog) IsFatal() bool {
	return l.Fatal != nil && *l.Fatal
}

// Exception keeps nil and empty frame lists apart on the wire: nil encodes as
// null, empty as [].
type Exception struct {
	Type            string       `json:"type"`
	Message         string       `json:"message,omitempty"`
	Frames          []StackFrame `json:"frames"`
	InnerExceptions []Exception  `json:"innerExceptions"`
}

type StackFrame struct {
	ClassName  string `json:"className,omitempty"`
	MethodName string `json:"methodName,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	LineNumber int    `json:"lineNumber,omitempty"`
}

type ErrorAttachment struct {
	TextAttachment   string            `json:"textAttachment,omitempty"`
	BinaryAttachment *BinaryAttachment `json:"binaryAttachment,omitempty"`
}

type BinaryAttachment struct {
	ContentType string `json:"contentType"`
	FileName    string `json:"fileName,omitempty"`
	Data        []byte `json:"data"`
}
