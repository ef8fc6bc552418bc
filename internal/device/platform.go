package device

import (
	"context"

	"github.com/shirou/gopsutil/v3/host"
)

// Info describes the host for registration and diagnostics.
type Info struct {
	OS              string
	Platform        string
	PlatformVersion string
	Hostname        string
}

// HostInfo queries the operating system. Missing values are left empty.
func HostInfo(ctx context.Context) Info {
	hi, err := host.InfoWithContext(ctx)
	if err != nil || hi == nil {
		return Info{}
	}
	return Info{
		OS:              hi.OS,
		Platform:        hi.Platform,
		PlatformVersion: hi.PlatformVersion,
		Hostname:        hi.Hostname,
	}
}

// PushPlatform returns the platform name sent with device registration:
// "android" on Android hosts, otherwise "web" like a browser client.
func PushPlatform(ctx context.Context) string {
	if HostInfo(ctx).OS == "android" {
		return "android"
	}
	return "web"
}
