package device

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const (
	SDKName    = "logchannel.go"
	SDKVersion = "1.0.0"
)

// AppInfo is the application metadata reported with every snapshot.
type AppInfo struct {
	Version           string
	Build             string
	Namespace         string
	WrapperSDKName    string
	WrapperSDKVersion string
}

// HostProvider builds device snapshots from the host the process runs on.
type HostProvider struct {
	mu  sync.Mutex
	app AppInfo

	info   func(ctx context.Context) (*host.InfoStat, error)
	now    func() time.Time
	getenv func(string) string
}

func NewHostProvider(app AppInfo) *HostProvider {
	return &HostProvider{
		app:    app,
		info:   host.InfoWithContext,
		now:    time.Now,
		getenv: os.Getenv,
	}
}

func (p *HostProvider) Snapshot(ctx context.Context) (*logging.Device, error) {
	info, err := p.info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	_, offset := p.now().Zone()
	offsetMinutes := offset / 60

	p.mu.Lock()
	app := p.app
	p.mu.Unlock()

	return &logging.Device{
		SDKName:           SDKName,
		SDKVersion:        SDKVersion,
		WrapperSDKName:    app.WrapperSDKName,
		WrapperSDKVersion: app.WrapperSDKVersion,
		Model:             info.KernelArch,
		OEMName:           info.PlatformFamily,
		OSName:            info.OS,
		OSVersion:         info.PlatformVersion,
		OSBuild:           info.KernelVersion,
		Locale:            p.locale(),
		TimeZoneOffset:    &offsetMinutes,
		AppVersion:        app.Version,
		AppBuild:          app.Build,
		AppNamespace:      app.Namespace,
	}, nil
}

// SetWrapperSDK records the SDK wrapping this one. Snapshots already cached
// by a channel keep the old value until its device cache is invalidated.
func (p *HostProvider) SetWrapperSDK(name, version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.app.WrapperSDKName = name
	p.app.WrapperSDKVersion = version
}

// locale turns a POSIX locale such as "en_US.UTF-8" into "en-US".
func (p *HostProvider) locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		value := p.getenv(key)
		if value == "" || value == "C" || value == "POSIX" {
			continue
		}
		if i := strings.IndexAny(value, ".@"); i >= 0 {
			value = value[:i]
		}
		return strings.ReplaceAll(value, "_", "-")
	}
	return ""
}
