package crashes

import (
	"time"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

// ErrorReport is the user facing view of a stored error log.
type ErrorReport struct {
	ID           string
	ThreadName   string
	Exception    *Exception
	AppStartTime time.Time
	AppErrorTime time.Time
	Device       *logging.Device
}

func newErrorReport(log *ManagedErrorLog) *ErrorReport {
	report := &ErrorReport{
		ID:           log.ID.String(),
		ThreadName:   log.ErrorThreadName,
		Exception:    log.Exception,
		AppErrorTime: log.Timestamp,
		Device:       log.Device,
	}
	if log.AppLaunchTOffset != nil {
		report.AppStartTime = log.Timestamp.Add(-time.Duration(*log.AppLaunchTOffset) * time.Millisecond)
	}
	return report
}
